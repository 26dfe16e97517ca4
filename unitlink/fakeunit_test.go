package unitlink

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
)

// fakeUnit answers lines written by a link. Handlers return the lines to send
// back, in order.
type fakeUnit struct {
	conn net.Conn

	mu       sync.Mutex
	received []string
	handle   func(line string) []string
	wg       sync.WaitGroup
}

func newFakeUnit(t *testing.T, handle func(line string) []string) (*fakeUnit, net.Conn) {
	t.Helper()
	host, unit := net.Pipe()
	u := &fakeUnit{conn: unit, handle: handle}
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		scanner := bufio.NewScanner(unit)
		for scanner.Scan() {
			line := scanner.Text()
			u.mu.Lock()
			u.received = append(u.received, line)
			u.mu.Unlock()
			for _, out := range handle(line) {
				if _, err := unit.Write([]byte(out + "\n")); err != nil {
					return
				}
			}
		}
	}()
	t.Cleanup(func() {
		unit.Close()
		u.wg.Wait()
	})
	return u, host
}

func (u *fakeUnit) lines() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.received...)
}

// streamHandler answers stream requests from a table of command replies. A
// reply is the JSON value, or a status prefixed with "!".
func streamHandler(replies map[string]string, before ...string) func(string) []string {
	return func(line string) []string {
		var req streamRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return []string{"ERR bad request"}
		}
		out := append([]string(nil), before...)
		reply, ok := replies[req.Cmd]
		if !ok {
			reply = "null"
		}
		frame := map[string]interface{}{"seq": req.Seq, "status": "ok"}
		if strings.HasPrefix(reply, "!") {
			frame["status"] = strings.TrimPrefix(reply, "!")
		} else {
			frame["value"] = json.RawMessage(reply)
		}
		b, _ := json.Marshal(frame)
		return append(out, string(b))
	}
}

// legacyHandler answers legacy requests from a table keyed by command word.
func legacyHandler(replies map[string]string) func(string) []string {
	return func(line string) []string {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return nil
		}
		reply, ok := replies[fields[0]]
		if !ok {
			return []string{"ERR unknown command"}
		}
		return []string{reply}
	}
}
