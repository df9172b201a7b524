package command

// Request is a command received from a transport, waiting to be handled by
// the run loop.
type Request struct {
	Name    string
	Payload []byte

	// Source names the transport ("mqtt", "http") for logs and metrics.
	Source string

	// Reply receives the response. It must not block the run loop.
	Reply func(resp []byte, err error)
}

// Respond calls Reply if one is set.
func (r Request) Respond(resp []byte, err error) {
	if r.Reply != nil {
		r.Reply(resp, err)
	}
}
