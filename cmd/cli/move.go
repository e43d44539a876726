package main

import (
	"fmt"
	"strconv"
)

type MoveCommand struct {
	Linear       bool    `short:"l" long:"linear" description:"Treat the values as a TCP pose [x y z rx ry rz] and move linearly"`
	Speed        float64 `short:"s" long:"speed" description:"Joint speed (rad/s) or tool speed (m/s); defaults to 1.05 or 0.25"`
	Acceleration float64 `short:"a" long:"acceleration" description:"Joint (rad/s²) or tool (m/s²) acceleration; defaults to 1.4 or 1.2"`
	Async        bool    `long:"async" description:"Return as soon as the controller accepts the move"`

	Args struct {
		Values []string `positional-arg-name:"value" required:"6" description:"Six joint angles (rad) or pose values"`
	} `positional-args:"yes"`
}

func parseVector(raw []string) ([]float64, error) {
	out := make([]float64, len(raw))
	for i, r := range raw {
		v, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i+1, err)
		}
		out[i] = v
	}
	return out, nil
}

func (c *MoveCommand) Execute(args []string) error {
	values, err := parseVector(c.Args.Values)
	if err != nil {
		return err
	}

	speed, accel := c.Speed, c.Acceleration
	if speed <= 0 {
		speed = 1.05
		if c.Linear {
			speed = 0.25
		}
	}
	if accel <= 0 {
		accel = 1.4
		if c.Linear {
			accel = 1.2
		}
	}

	s, err := opts.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	var ok bool
	if c.Linear {
		ok, err = s.MoveL(values, speed, accel, c.Async)
	} else {
		ok, err = s.MoveJ(values, speed, accel, c.Async)
	}
	if err != nil {
		return err
	}

	verb := "movej"
	if c.Linear {
		verb = "movel"
	}
	if !ok {
		msg := s.LastError()
		if msg == "" {
			msg = "rejected by controller"
		}
		return report(false, fmt.Sprintf("%s failed: %s", verb, msg))
	}
	return report(true, fmt.Sprintf("%s %s", verb, formatFloats(values, 4)))
}
