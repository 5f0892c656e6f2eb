package main

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Built-in services, so a bare fleetd has something to answer.

type EchoArgs struct {
	Message string
	Upper   bool
}

type EchoReply struct {
	Message string
}

type Echo struct{}

func (e *Echo) Say(args *EchoArgs, reply *EchoReply) error {
	reply.Message = args.Message
	if args.Upper {
		reply.Message = strings.ToUpper(args.Message)
	}
	return nil
}

type SleepArgs struct {
	Duration time.Duration
}

// Sleep blocks its worker for a while; useful to watch offloading and task timeouts.
func (e *Echo) Sleep(args *SleepArgs, slept *time.Duration) error {
	if args.Duration < 0 || args.Duration > time.Minute {
		return errors.Errorf("duration %s out of range", args.Duration)
	}
	time.Sleep(args.Duration)
	*slept = args.Duration
	return nil
}

type ArithArgs struct {
	A, B int
}

type Arith struct{}

func (a *Arith) Add(args *ArithArgs, sum *int) error {
	*sum = args.A + args.B
	return nil
}

func (a *Arith) DivMod(args *ArithArgs, quo *int, rem *int) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	*quo, *rem = args.A/args.B, args.A%args.B
	return nil
}
