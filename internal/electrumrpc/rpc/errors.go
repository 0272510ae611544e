package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// Dial, handshake or I/O failure against the server
	ErrTransient = errors.New("transient network error")
	// The server answered with an unexpected shape
	ErrProtocol = errors.New("protocol error")
	// Every attempt of a call failed
	ErrCallFailed = errors.New("rpc call failed")
	// Close was called on the client
	ErrClientClosed = errors.New("client closed")
)

// RemoteError is the error object returned by the server
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Servers send either {"code":..,"message":..} or a bare string
func parseRemoteError(raw json.RawMessage) (err *RemoteError) {
	err = &RemoteError{}
	if json.Unmarshal(raw, err) == nil && (err.Message != "" || err.Code != 0) {
		return err
	}

	var message string
	if json.Unmarshal(raw, &message) == nil {
		return &RemoteError{Message: message}
	}
	return &RemoteError{Message: string(raw)}
}
