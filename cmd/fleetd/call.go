package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"fleetrpc/client"
	"fleetrpc/config"
	"fleetrpc/logging"
	"fleetrpc/message"
)

var callArgs struct {
	timeout time.Duration
}

var callCmd = &subcommand{
	Use:     "call Service.Method [json-args]",
	Short:   "make one call through the configured client stack",
	Example: `  fleetd call Arith.Add '{"A":1,"B":2}'`,
	Args:    cobra.RangeArgs(1, 2),
	SetupFlags: func(f *pflag.FlagSet) {
		f.DurationVar(&callArgs.timeout, "timeout", 10*time.Second, "overall deadline")
	},
	Run: func(s *subcommand, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), callArgs.timeout)
		defer cancel()
		c, m, err := prepareCall(ctx, s.Config(), args)
		if err != nil {
			return err
		}
		defer c.Close()

		res, err := c.Invoke(ctx, m)
		if tuple, ok := res.Result(); ok {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(tuple); encErr != nil {
				return encErr
			}
		}
		return err
	},
}

// prepareCall builds a client for the service named by args[0] and the method to invoke.
func prepareCall(ctx context.Context, conf *config.Config, args []string) (*client.Client, message.Method, error) {
	var params []any
	if len(args) > 1 {
		raw := json.RawMessage(args[1])
		if !json.Valid(raw) {
			return nil, message.Method{}, errors.Errorf("arguments are not valid JSON: %s", args[1])
		}
		params = append(params, raw)
	}
	m, err := message.ParseMethod(args[0], params...)
	if err != nil {
		return nil, message.Method{}, err
	}
	log, err := logging.New(conf.Logging)
	if err != nil {
		return nil, message.Method{}, err
	}
	c, err := client.FromConfig(ctx, conf, m.ServiceName(), log.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	if err != nil {
		return nil, message.Method{}, errors.Wrap(err, "client")
	}
	return c, m, nil
}
