package transport

import (
	"context"

	"UniNavigator/internal/backend"
	"UniNavigator/internal/stream"
)

// OneShot satisfies the streaming contract with the non-streaming endpoint:
// the complete reply is delivered to the sink as a single increment.
type OneShot struct {
	Client *Client
}

// NewOneShot wraps c
func NewOneShot(c *Client) *OneShot {
	return &OneShot{Client: c}
}

func (o *OneShot) StreamMessage(ctx context.Context, req backend.ChatRequest, sink stream.Sink) (stream.Result, error) {
	resp, err := o.Client.SendMessage(ctx, req)
	if err != nil {
		return stream.Result{}, err
	}
	if sink != nil && resp.Message != "" {
		sink(resp.Message)
	}
	return stream.Result{
		FullText: resp.Message,
		Route:    resp.Route,
		Sources:  resp.Sources,
	}, nil
}
