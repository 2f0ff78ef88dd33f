// ABOUTME: Standalone line-protocol stub tool server for development and demos
// ABOUTME: Answers echo, sleep, fail, whoami, and readResource over stdin/stdout

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tracery-studio/tracery-gateway/internal/stdio"
)

// request is one inbound envelope. Tool calls carry method and params;
// resource reads carry type "readResource" and uri.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Type   string          `json:"type"`
	URI    string          `json:"uri"`
	Params json.RawMessage `json:"params"`
}

type errBody struct {
	Message string `json:"message"`
}

type reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errBody        `json:"error,omitempty"`
}

// outMu serializes writes: sleep answers arrive from their own goroutines.
var outMu sync.Mutex

func send(out *json.Encoder, r reply) {
	outMu.Lock()
	defer outMu.Unlock()
	_ = out.Encode(r)
}

func main() {
	quiet := flag.Bool("quiet", false, "suppress the ready line")
	garbage := flag.Bool("garbage", false, "interleave non-JSON diagnostic lines")
	flag.Parse()

	out := json.NewEncoder(os.Stdout)
	if !*quiet {
		_ = out.Encode(map[string]string{"type": "ready"})
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if *garbage {
			outMu.Lock()
			fmt.Println("diagnostic: handling " + req.ID)
			outMu.Unlock()
		}
		respond(out, req)
	}
}

func respond(out *json.Encoder, req request) {
	if req.Type == "readResource" {
		body, _ := json.Marshal(map[string]string{"uri": req.URI})
		send(out, reply{ID: req.ID, Result: body})
		return
	}

	switch req.Method {
	case "echo":
		send(out, reply{ID: req.ID, Result: req.Params})
	case "sleep":
		// Answered off the read loop so later calls can finish first.
		go func() {
			var p struct {
				MS int `json:"ms"`
			}
			_ = json.Unmarshal(req.Params, &p)
			time.Sleep(time.Duration(p.MS) * time.Millisecond)
			body, _ := json.Marshal(map[string]int{"slept_ms": p.MS})
			send(out, reply{ID: req.ID, Result: body})
		}()
	case "whoami":
		body, _ := json.Marshal(map[string]string{"server_id": os.Getenv(stdio.ServerIDEnv)})
		send(out, reply{ID: req.ID, Result: body})
	case "fail":
		send(out, reply{ID: req.ID, Error: &errBody{Message: "simulated tool failure"}})
	default:
		send(out, reply{ID: req.ID, Error: &errBody{Message: "unknown method: " + req.Method}})
	}
}
