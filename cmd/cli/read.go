package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	urRtde "ur_rtde"
)

type ReadCommand struct {
	JSON bool `long:"json" description:"Print the snapshot as JSON"`
}

var robotModes = map[int32]string{
	-1: "no controller",
	0:  "disconnected",
	1:  "confirm safety",
	2:  "booting",
	3:  "power off",
	4:  "power on",
	5:  "idle",
	6:  "backdrive",
	7:  "running",
	8:  "updating firmware",
}

var safetyModes = map[int32]string{
	1:  "normal",
	2:  "reduced",
	3:  "protective stop",
	4:  "recovery",
	5:  "safeguard stop",
	6:  "system emergency stop",
	7:  "robot emergency stop",
	8:  "violation",
	9:  "fault",
	10: "validate joint id",
	11: "undefined",
	12: "automatic mode safeguard stop",
	13: "three position enabling stop",
}

func modeName(names map[int32]string, mode int32) string {
	if n, ok := names[mode]; ok {
		return fmt.Sprintf("%s (%d)", n, mode)
	}
	return strconv.Itoa(int(mode))
}

func formatFloats(v []float64, prec int) string {
	if v == nil {
		return dimStyle.Render("n/a")
	}
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'f', prec, 64)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (c *ReadCommand) Execute(args []string) error {
	s, err := opts.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := s.ReadSnapshot()
	if err != nil {
		return err
	}

	if c.JSON {
		out, err := json.MarshalIndent(snap.Readings(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println(titleStyle.Render("UR " + opts.Host))
	fmt.Println(renderSnapshot(snap))
	return nil
}

func renderSnapshot(snap urRtde.Snapshot) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("FIELD", "VALUE")

	t.Row("robot mode", modeName(robotModes, snap.RobotMode))
	t.Row("safety mode", modeName(safetyModes, snap.SafetyMode))
	t.Row("program running", strconv.FormatBool(snap.ProgramRunning))
	t.Row("joints (rad)", formatFloats(snap.ActualQ, 4))
	t.Row("joint speeds (rad/s)", formatFloats(snap.ActualQd, 4))
	t.Row("tcp pose (m, rad)", formatFloats(snap.ActualTCPPose, 4))
	t.Row("digital in", fmt.Sprintf("%#b", snap.DigitalIn))
	t.Row("digital out", fmt.Sprintf("%#b", snap.DigitalOut))
	t.Row("analog in", formatFloats(snap.AnalogIn[:], 3))
	t.Row("analog out", formatFloats(snap.AnalogOut[:], 3))

	fields := make([]string, 0, len(snap.Errors))
	for f := range snap.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		t.Row(failStyle.Render(f), failStyle.Render(snap.Errors[f].Error()))
	}
	return t.String()
}
