package rtde

import (
	"bufio"
	"encoding/binary"
	"math"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var fakeTypes = map[string]fieldType{
	"timestamp":                    typeDouble,
	"actual_q":                     typeVector6D,
	"actual_qd":                    typeVector6D,
	"actual_TCP_pose":              typeVector6D,
	"actual_digital_input_bits":    typeUint64,
	"actual_digital_output_bits":   typeUint64,
	"standard_analog_input0":       typeDouble,
	"standard_analog_input1":       typeDouble,
	"standard_analog_output0":      typeDouble,
	"standard_analog_output1":      typeDouble,
	"robot_mode":                   typeInt32,
	"safety_mode":                  typeInt32,
	"runtime_state":                typeUint32,
	"output_int_register_24":       typeInt32,
	"output_int_register_25":       typeInt32,
	"standard_digital_output_mask": typeUint8,
	"standard_digital_output":      typeUint8,
	"input_int_register_24":        typeInt32,
	"input_int_register_25":        typeInt32,
	"input_int_register_26":        typeInt32,
}

// fakeController is a minimal RTDE server: it answers the setup handshake, streams the
// configured output values and records input data packages. Like a real controller it gives
// each input variable to the first connection whose recipe claims it and reports it IN_USE
// to every other connection until the owner disconnects.
type fakeController struct {
	t        *testing.T
	listener net.Listener

	// inUse lists input variables held by something outside the test, such as a program.
	inUse map[string]bool
	// missing lists output variables the controller does not publish.
	missing map[string]bool

	mu      sync.Mutex
	owners  map[string]net.Conn
	outputs map[string]any
	inputs  []map[string]any
	conns   []net.Conn
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeController{
		t:        t,
		listener: l,
		inUse:    map[string]bool{},
		missing:  map[string]bool{},
		owners:   map[string]net.Conn{},
		outputs: map[string]any{
			"timestamp":                  1.5,
			"actual_q":                   []float64{0, -1.57, 1.57, 0, 1.57, 0},
			"actual_qd":                  []float64{0, 0, 0, 0, 0, 0},
			"actual_TCP_pose":            []float64{0.1, 0.2, 0.3, 0, 3.14, 0},
			"actual_digital_input_bits":  uint64(0x5),
			"actual_digital_output_bits": uint64(0x2),
			"standard_analog_input0":     0.25,
			"standard_analog_input1":     0.5,
			"standard_analog_output0":    0.75,
			"standard_analog_output1":    1.0,
			"robot_mode":                 int32(7),
			"safety_mode":                int32(1),
			"runtime_state":              uint32(2),
			"output_int_register_24":     int32(3),
			"output_int_register_25":     int32(21073),
		},
	}
	go f.serve()
	t.Cleanup(func() {
		l.Close()
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.conns {
			c.Close()
		}
	})
	return f
}

func (f *fakeController) addr() string {
	return f.listener.Addr().String()
}

func (f *fakeController) set(name string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[name] = v
}

func (f *fakeController) received() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.inputs))
	copy(out, f.inputs)
	return out
}

func (f *fakeController) serve() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()
		go f.handle(conn)
	}
}

// claim hands names to conn unless any of them is taken, and returns the per-variable types
// the setup reply carries.
func (f *fakeController) claim(conn net.Conn, names []string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(names))
	free := true
	for i, n := range names {
		owner, held := f.owners[n]
		if f.inUse[n] || (held && owner != conn) {
			types[i] = "IN_USE"
			free = false
		} else {
			types[i] = string(fakeTypes[n])
		}
	}
	if free {
		for _, n := range names {
			f.owners[n] = conn
		}
	}
	return types, free
}

func (f *fakeController) release(conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for n, owner := range f.owners {
		if owner == conn {
			delete(f.owners, n)
		}
	}
}

func (f *fakeController) handle(conn net.Conn) {
	defer conn.Close()
	defer f.release(conn)
	br := bufio.NewReader(conn)
	var output *recipe
	inputs := map[uint8]recipe{}
	var writeMu sync.Mutex
	send := func(kind byte, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(conn, kind, payload)
	}
	stop := make(chan struct{})
	defer close(stop)

	for {
		fr, err := readFrame(br)
		if err != nil {
			return
		}
		switch fr.kind {
		case cmdRequestProtocolVersion:
			_ = send(cmdRequestProtocolVersion, []byte{1})
		case cmdGetURControlVersion:
			p := make([]byte, 16)
			binary.BigEndian.PutUint32(p[0:], 5)
			binary.BigEndian.PutUint32(p[4:], 11)
			binary.BigEndian.PutUint32(p[8:], 0)
			binary.BigEndian.PutUint32(p[12:], 42)
			_ = send(cmdGetURControlVersion, p)
		case cmdSetupOutputs:
			names := strings.Split(string(fr.payload[8:]), ",")
			types := make([]string, len(names))
			found := true
			for i, n := range names {
				if f.missing[n] {
					types[i] = "NOT_FOUND"
					found = false
				} else {
					types[i] = string(fakeTypes[n])
				}
			}
			if found {
				r := f.recipeFor(1, names)
				output = &r
			}
			_ = send(cmdSetupOutputs, append([]byte{1}, []byte(strings.Join(types, ","))...))
		case cmdSetupInputs:
			names := strings.Split(string(fr.payload), ",")
			id := uint8(len(inputs) + 1)
			types, free := f.claim(conn, names)
			if free {
				inputs[id] = f.recipeFor(id, names)
			} else {
				id = 0
			}
			_ = send(cmdSetupInputs, append([]byte{id}, []byte(strings.Join(types, ","))...))
		case cmdStart:
			_ = send(cmdStart, []byte{1})
			if output != nil {
				go f.stream(*output, send, stop)
			}
		case cmdPause:
			_ = send(cmdPause, []byte{1})
		case cmdDataPackage:
			r, ok := inputs[fr.payload[0]]
			if !ok {
				continue
			}
			values, err := r.decode(fr.payload)
			if err == nil {
				f.mu.Lock()
				f.inputs = append(f.inputs, values)
				f.mu.Unlock()
			}
		}
	}
}

func (f *fakeController) recipeFor(id uint8, names []string) recipe {
	r := recipe{id: id, names: names, types: make([]fieldType, len(names))}
	for i, n := range names {
		t, ok := fakeTypes[n]
		if !ok {
			f.t.Errorf("fake controller does not know %s", n)
		}
		r.types[i] = t
	}
	return r
}

func (f *fakeController) stream(r recipe, send func(byte, []byte) error, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		f.mu.Lock()
		values := make([]any, len(r.names))
		for i, n := range r.names {
			values[i] = f.outputs[n]
		}
		f.mu.Unlock()
		payload, err := encodeAny(r, values)
		if err != nil {
			f.t.Errorf("encode fake package: %v", err)
			return
		}
		if err := send(cmdDataPackage, payload); err != nil {
			return
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// encodeAny extends recipe.encode with the output-only types the client never sends.
func encodeAny(r recipe, values []any) ([]byte, error) {
	buf := []byte{r.id}
	for i, t := range r.types {
		switch t {
		case typeUint32:
			buf = binary.BigEndian.AppendUint32(buf, values[i].(uint32))
		case typeUint64:
			buf = binary.BigEndian.AppendUint64(buf, values[i].(uint64))
		case typeVector6D:
			for _, v := range values[i].([]float64) {
				buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v))
			}
		default:
			var err error
			if buf, err = appendField(buf, t, values[i]); err != nil {
				return nil, err
			}
		}
	}
	return buf, nil
}
