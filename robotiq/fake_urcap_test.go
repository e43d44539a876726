package robotiq

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeURCap serves the gripper's ASCII protocol with a gripper that reaches every target
// instantly.
type fakeURCap struct {
	listener net.Listener

	mu       sync.Mutex
	vars     map[string]int
	commands []string
	// blockAt makes the gripper stop on an object before reaching targets above it.
	blockAt int
	// nack makes every SET answer "nak".
	nack bool
}

func newFakeURCap(t *testing.T) *fakeURCap {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeURCap{
		listener: l,
		vars:     map[string]int{"ACT": 0, "GTO": 0, "STA": 0, "OBJ": 0, "FLT": 0, "POS": 0, "PRE": 0, "SPE": 0, "FOR": 0},
		blockAt:  -1,
	}
	go f.serve()
	t.Cleanup(func() { l.Close() })
	return f
}

func (f *fakeURCap) addr() string { return f.listener.Addr().String() }

func (f *fakeURCap) get(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[name]
}

func (f *fakeURCap) setVar(name string, v int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vars[name] = v
}

func (f *fakeURCap) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeURCap) serve() {
	for {
		c, err := f.listener.Accept()
		if err != nil {
			return
		}
		go f.handle(c)
	}
}

func (f *fakeURCap) handle(c net.Conn) {
	defer c.Close()
	sc := bufio.NewScanner(c)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		fmt.Fprintln(c, f.apply(line))
	}
}

func (f *fakeURCap) apply(line string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "?"
	}
	switch fields[0] {
	case "GET":
		if len(fields) != 2 {
			return "?"
		}
		return fmt.Sprintf("%s %d", fields[1], f.vars[fields[1]])
	case "SET":
		if f.nack {
			return "nak"
		}
		target := -1
		for i := 1; i+1 < len(fields); i += 2 {
			n, err := strconv.Atoi(fields[i+1])
			if err != nil {
				return "?"
			}
			if fields[i] == "POS" {
				target = n
				continue
			}
			f.vars[fields[i]] = n
		}
		f.step(target)
		return "ack"
	}
	return "?"
}

// step settles the simulated gripper after a SET. target is the requested position, or -1
// when the SET did not carry one.
func (f *fakeURCap) step(target int) {
	switch {
	case f.vars["ACT"] == 0:
		f.vars["STA"] = 0
	case f.vars["ACT"] == 1:
		f.vars["STA"] = statusActive
	}
	if target < 0 || f.vars["ACT"] != 1 || f.vars["GTO"] != 1 {
		return
	}
	f.vars["PRE"] = target
	if f.blockAt >= 0 && target > f.blockAt {
		f.vars["POS"] = f.blockAt
		f.vars["OBJ"] = int(StoppedInnerObject)
	} else {
		f.vars["POS"] = target
		f.vars["OBJ"] = int(AtDestination)
	}
}
