package d2r

import "encoding/json"

// rawExt is a builder for an events.Event's Extensions map, letting each
// translator assemble one extension at a time without repeating
// marshal-error plumbing.
type rawExt map[string]json.RawMessage

func (r rawExt) merge(nsid string, payload interface{}) rawExt {
	if r == nil {
		r = rawExt{}
	}
	r[nsid] = mustMarshal(payload)
	return r
}

func mustMarshal(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Every caller passes a plain struct literal of this package's own
		// types; a marshal failure here would mean a programming error, not
		// a runtime condition callers can recover from.
		panic("d2r: marshal extension: " + err.Error())
	}
	return b
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}
