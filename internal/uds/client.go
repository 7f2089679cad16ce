package uds

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Client sends one request per connection to a daemon socket.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultConnTimeout}
}

func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// Send performs a round trip. The timeout covers dialing, writing and reading;
// an earlier ctx deadline wins.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w (is `conveyor daemon` running?)", c.socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

// CallContext sends command and decodes the response data into out. A failed
// response is returned as *ErrorDetail.
func (c *Client) CallContext(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	return resp.DecodeData(out)
}

func (c *Client) Call(command string, params, out any) error {
	return c.CallContext(context.Background(), command, params, out)
}
