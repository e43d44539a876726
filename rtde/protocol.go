package rtde

import (
	"encoding/binary"
	"io"
	"math"
	"strings"

	"github.com/pkg/errors"
)

const (
	protocolVersion = 2

	cmdRequestProtocolVersion = 'V'
	cmdGetURControlVersion    = 'v'
	cmdTextMessage            = 'M'
	cmdDataPackage            = 'U'
	cmdSetupOutputs           = 'O'
	cmdSetupInputs            = 'I'
	cmdStart                  = 'S'
	cmdPause                  = 'P'

	headerSize = 3
)

var (
	// ErrVariableNotFound is returned when the controller does not know a recipe variable.
	ErrVariableNotFound = errors.New("rtde: variable not found")
	// ErrVariableInUse is returned when another client already owns an input variable.
	ErrVariableInUse = errors.New("rtde: variable in use")
	// ErrRejected is returned when the controller refuses a protocol request.
	ErrRejected = errors.New("rtde: request rejected")
)

type frame struct {
	kind    byte
	payload []byte
}

func writeFrame(w io.Writer, kind byte, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(buf)))
	buf[2] = kind
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	size := binary.BigEndian.Uint16(hdr[:2])
	if size < headerSize {
		return frame{}, errors.Errorf("rtde: invalid frame size %d", size)
	}
	payload := make([]byte, int(size)-headerSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return frame{}, err
	}
	return frame{kind: hdr[2], payload: payload}, nil
}

// awaitReply reads frames until one of the wanted kind arrives. Text messages from the
// controller are handed to onText and skipped; anything else is an error.
func awaitReply(r io.Reader, kind byte, onText func(string)) (frame, error) {
	for {
		f, err := readFrame(r)
		if err != nil {
			return frame{}, err
		}
		switch f.kind {
		case kind:
			return f, nil
		case cmdTextMessage:
			if onText != nil {
				onText(decodeText(f.payload))
			}
		case cmdDataPackage:
			// stale data from a previous start; ignore
		default:
			return frame{}, errors.Errorf("rtde: expected reply %q, got %q", kind, f.kind)
		}
	}
}

// decodeText unpacks a v2 text message: length-prefixed message, length-prefixed source,
// one warning-level byte.
func decodeText(p []byte) string {
	if len(p) < 1 {
		return ""
	}
	n := int(p[0])
	if 1+n > len(p) {
		return string(p[1:])
	}
	return string(p[1 : 1+n])
}

func encodeVersionRequest(version uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, version)
	return buf
}

func encodeOutputSetup(frequency float64, names []string) []byte {
	buf := make([]byte, 8, 8+len(names)*16)
	binary.BigEndian.PutUint64(buf, math.Float64bits(frequency))
	return append(buf, strings.Join(names, ",")...)
}

func encodeInputSetup(names []string) []byte {
	return []byte(strings.Join(names, ","))
}

// ControllerVersion is the controller software version reported over RTDE.
type ControllerVersion struct {
	Major, Minor, Bugfix, Build uint32
}

func decodeControllerVersion(p []byte) (ControllerVersion, error) {
	if len(p) < 16 {
		return ControllerVersion{}, errors.Errorf("rtde: short version reply (%d bytes)", len(p))
	}
	return ControllerVersion{
		Major:  binary.BigEndian.Uint32(p[0:]),
		Minor:  binary.BigEndian.Uint32(p[4:]),
		Bugfix: binary.BigEndian.Uint32(p[8:]),
		Build:  binary.BigEndian.Uint32(p[12:]),
	}, nil
}

type fieldType string

const (
	typeBool          fieldType = "BOOL"
	typeUint8         fieldType = "UINT8"
	typeUint32        fieldType = "UINT32"
	typeUint64        fieldType = "UINT64"
	typeInt32         fieldType = "INT32"
	typeDouble        fieldType = "DOUBLE"
	typeVector3D      fieldType = "VECTOR3D"
	typeVector6D      fieldType = "VECTOR6D"
	typeVector6Int32  fieldType = "VECTOR6INT32"
	typeVector6Uint32 fieldType = "VECTOR6UINT32"
)

func (t fieldType) size() int {
	switch t {
	case typeBool, typeUint8:
		return 1
	case typeUint32, typeInt32:
		return 4
	case typeUint64, typeDouble:
		return 8
	case typeVector3D:
		return 24
	case typeVector6D:
		return 48
	case typeVector6Int32, typeVector6Uint32:
		return 24
	default:
		return -1
	}
}

type recipe struct {
	id    uint8
	names []string
	types []fieldType
}

func parseRecipe(payload []byte, names []string) (recipe, error) {
	if len(payload) < 1 {
		return recipe{}, errors.New("rtde: empty recipe reply")
	}
	raw := strings.Split(string(payload[1:]), ",")
	if len(raw) != len(names) {
		return recipe{}, errors.Errorf("rtde: recipe has %d types for %d variables", len(raw), len(names))
	}
	r := recipe{id: payload[0], names: names, types: make([]fieldType, len(raw))}
	for i, t := range raw {
		switch t {
		case "NOT_FOUND":
			return recipe{}, errors.Wrap(ErrVariableNotFound, names[i])
		case "IN_USE":
			return recipe{}, errors.Wrap(ErrVariableInUse, names[i])
		}
		ft := fieldType(t)
		if ft.size() < 0 {
			return recipe{}, errors.Errorf("rtde: unsupported type %q for %s", t, names[i])
		}
		r.types[i] = ft
	}
	if r.id == 0 {
		return recipe{}, errors.Wrap(ErrRejected, "recipe id 0")
	}
	return r, nil
}

// notFound lists the variables a setup reply marks NOT_FOUND.
func notFound(payload []byte, names []string) []string {
	if len(payload) < 1 {
		return nil
	}
	var out []string
	for i, t := range strings.Split(string(payload[1:]), ",") {
		if t == "NOT_FOUND" && i < len(names) {
			out = append(out, names[i])
		}
	}
	return out
}

func without(names []string, drop string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}

func (r recipe) size() int {
	n := 0
	for _, t := range r.types {
		n += t.size()
	}
	return n
}

// decode unpacks a data package payload (recipe id included) into name -> value.
func (r recipe) decode(payload []byte) (map[string]any, error) {
	if len(payload) < 1 {
		return nil, errors.New("rtde: empty data package")
	}
	if payload[0] != r.id {
		return nil, errors.Errorf("rtde: data package for recipe %d, want %d", payload[0], r.id)
	}
	body := payload[1:]
	if len(body) < r.size() {
		return nil, errors.Errorf("rtde: data package has %d bytes, recipe needs %d", len(body), r.size())
	}
	out := make(map[string]any, len(r.names))
	off := 0
	for i, t := range r.types {
		out[r.names[i]] = decodeField(t, body[off:])
		off += t.size()
	}
	return out, nil
}

func decodeField(t fieldType, b []byte) any {
	switch t {
	case typeBool:
		return b[0] != 0
	case typeUint8:
		return b[0]
	case typeUint32:
		return binary.BigEndian.Uint32(b)
	case typeInt32:
		return int32(binary.BigEndian.Uint32(b))
	case typeUint64:
		return binary.BigEndian.Uint64(b)
	case typeDouble:
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	case typeVector3D, typeVector6D:
		n := t.size() / 8
		v := make([]float64, n)
		for i := range v {
			v[i] = math.Float64frombits(binary.BigEndian.Uint64(b[i*8:]))
		}
		return v
	case typeVector6Int32:
		v := make([]int32, 6)
		for i := range v {
			v[i] = int32(binary.BigEndian.Uint32(b[i*4:]))
		}
		return v
	case typeVector6Uint32:
		v := make([]uint32, 6)
		for i := range v {
			v[i] = binary.BigEndian.Uint32(b[i*4:])
		}
		return v
	}
	return nil
}

// encode packs values in recipe order, recipe id first.
func (r recipe) encode(values ...any) ([]byte, error) {
	if len(values) != len(r.types) {
		return nil, errors.Errorf("rtde: %d values for a %d-field recipe", len(values), len(r.types))
	}
	buf := make([]byte, 1, 1+r.size())
	buf[0] = r.id
	for i, t := range r.types {
		var err error
		buf, err = appendField(buf, t, values[i])
		if err != nil {
			return nil, errors.Wrap(err, r.names[i])
		}
	}
	return buf, nil
}

func appendField(buf []byte, t fieldType, v any) ([]byte, error) {
	switch t {
	case typeBool:
		b, ok := v.(bool)
		if !ok {
			break
		}
		if b {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case typeUint8:
		if b, ok := v.(uint8); ok {
			return append(buf, b), nil
		}
	case typeUint32:
		if u, ok := v.(uint32); ok {
			return binary.BigEndian.AppendUint32(buf, u), nil
		}
	case typeInt32:
		if n, ok := v.(int32); ok {
			return binary.BigEndian.AppendUint32(buf, uint32(n)), nil
		}
	case typeUint64:
		if u, ok := v.(uint64); ok {
			return binary.BigEndian.AppendUint64(buf, u), nil
		}
	case typeDouble:
		if f, ok := v.(float64); ok {
			return binary.BigEndian.AppendUint64(buf, math.Float64bits(f)), nil
		}
	case typeVector3D, typeVector6D:
		if vec, ok := v.([]float64); ok && len(vec) == t.size()/8 {
			for _, f := range vec {
				buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
			}
			return buf, nil
		}
	}
	return nil, errors.Errorf("rtde: cannot encode %T as %s", v, t)
}
