package store

// Wire protocol between the ws client and signald. One JSON frame per
// websocket message. Requests carry a client-chosen ID echoed in the
// response; subscription events reference the subscription ID instead.

const (
	OpGet       = "get"
	OpSet       = "set"
	OpDelete    = "del"
	OpSnapshot  = "snapshot"
	OpSubscribe = "sub"
	OpCancel    = "unsub"
)

type Request struct {
	ID    string `json:"id"`
	Op    string `json:"op"`
	User  string `json:"user,omitempty"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
	// Sub is the client-assigned subscription ID for sub and unsub
	// requests.
	Sub string `json:"sub,omitempty"`
}

type Response struct {
	ID       string        `json:"id"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Value    string        `json:"value,omitempty"`
	Present  bool          `json:"present,omitempty"`
	Accounts []AccountView `json:"accounts,omitempty"`
}

// Change is pushed by the server for every write observed by an active
// subscription. Present is false for deletes.
type Change struct {
	Sub     string `json:"sub"`
	Value   string `json:"value,omitempty"`
	Present bool   `json:"present"`
}

// Frame is the envelope for server-to-client traffic: exactly one of
// Resp or Event is set.
type Frame struct {
	Resp  *Response `json:"resp,omitempty"`
	Event *Change   `json:"event,omitempty"`
}
