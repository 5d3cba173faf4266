package pusher

import "encoding/json"

// Descriptor identifies an observable entity. The hosting application
// typically has a richer component descriptor; only the identifier matters
// to the channel.
type Descriptor struct {
	ID string `json:"id"`
}

// Observer receives pushed value changes for a single entity. notify is true
// when the server requested notification side effects ("mod_n"); structural
// is true when value replaces a subtree (it carries a "children"
// substructure) rather than a leaf value.
//
// Observers are invoked one at a time, from the connection's reader
// goroutine, and may safely call back into the Channel.
type Observer func(value json.RawMessage, notify bool, structural bool)
