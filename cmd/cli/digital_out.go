package main

import (
	"fmt"
	"strconv"
	"strings"
)

type DigitalOutCommand struct {
	Args struct {
		Pin   int    `positional-arg-name:"pin" description:"Standard output 0-7"`
		Value string `positional-arg-name:"value" description:"on/off, true/false or 1/0"`
	} `positional-args:"yes" required:"yes"`
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "high":
		return true, nil
	case "off", "low":
		return false, nil
	}
	return strconv.ParseBool(v)
}

func (c *DigitalOutCommand) Execute(args []string) error {
	if c.Args.Pin < 0 || c.Args.Pin > 7 {
		return fmt.Errorf("pin must be 0-7, got %d", c.Args.Pin)
	}
	value, err := parseSwitch(c.Args.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}

	s, err := opts.connect()
	if err != nil {
		return err
	}
	defer s.Close()

	ok, err := s.SetStandardDigitalOut(c.Args.Pin, value)
	if err != nil {
		return err
	}
	if !ok {
		return report(false, fmt.Sprintf("digital out %d: %s", c.Args.Pin, s.LastError()))
	}
	return report(true, fmt.Sprintf("digital out %d = %v", c.Args.Pin, value))
}
