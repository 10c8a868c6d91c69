package queue

import (
	"encoding/json"
	"fmt"
)

// ReadRequest reads and validates one client request line. Parse and
// validation failures both surface as "invalid queue request" so the owner
// can reply with a protocol error and drop just that connection.
func (c *Conn) ReadRequest() (Request, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("invalid queue request: %w", err)
	}
	if err := ValidateRequest(req); err != nil {
		return Request{}, fmt.Errorf("invalid queue request: %w", err)
	}
	return req, nil
}

// Write validates and sends one owner message line.
func (c *Conn) Write(msg Message) error {
	if err := ValidateMessage(msg); err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding owner message: %w", err)
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing owner message: %w", err)
	}
	return nil
}
