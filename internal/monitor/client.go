package monitor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"
)

// SocketPath returns the Unix socket path for the pool daemon of one
// group/instance. Uses the current user's UID to avoid conflicts
// between users.
func SocketPath(group string, instanceID int) string {
	return fmt.Sprintf("/tmp/dmapool-%d.%s.%d.sock", os.Getuid(), group, instanceID)
}

// Probe checks if a pool daemon is running by attempting to connect to
// its Unix socket.
func Probe(group string, instanceID int) bool {
	conn, err := net.DialTimeout("unix", SocketPath(group, instanceID), 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Call sends a request to the pool daemon over the Unix socket and reads
// the response. Uses newline-delimited JSON.
func Call(group string, instanceID int, req *Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", SocketPath(group, instanceID), 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to pool daemon: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(30 * time.Second))

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	reqBytes = append(reqBytes, '\n')
	if _, err := conn.Write(reqBytes); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	reader := bufio.NewReader(conn)
	respLine, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if resp.Type == "error" {
		return &resp, fmt.Errorf("pool daemon: %s", resp.Error)
	}
	return &resp, nil
}
