package commands

import (
	"context"
	"fmt"

	"github.com/mosaicnetworks/ddp/src/client"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/spf13/cobra"
)

// NewCallCmd returns the command that calls a method
func NewCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "call [method] [params...]",
		Short:   "Call a method and print its result",
		Long:    "Call a method and print its result. Params are parsed as EJSON, or taken as strings when they are not valid EJSON.",
		Args:    cobra.MinimumNArgs(1),
		PreRunE: loadConfig,
		RunE:    runCall,
	}
	AddClientFlags(cmd)
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	conn, err := newConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), _config.DialTimeout+_config.MaxRetryDelay)
	defer cancel()

	res, err := conn.Call(ctx, args[0], parseParams(args[1:])...)
	if err != nil {
		return err
	}

	out, err := proto.Marshal(res)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func newConnection() (*client.Connection, error) {
	enc, err := _config.ParsedEncapsulation()
	if err != nil {
		return nil, err
	}

	opts := client.DefaultOptions()
	opts.Encapsulation = enc
	opts.RetryDelay = _config.RetryDelay
	opts.MaxRetryDelay = _config.MaxRetryDelay
	opts.DialTimeout = _config.DialTimeout
	opts.HeartbeatInterval = _config.HeartbeatInterval
	opts.Logger = _config.Logger().WithField("prefix", "ddp-client")

	return client.New(_config.URL, opts), nil
}

// parseParams decodes each argument as EJSON, falling back to the raw string.
func parseParams(args []string) []interface{} {
	params := make([]interface{}, 0, len(args))
	for _, a := range args {
		v, err := proto.Unmarshal([]byte(a))
		if err != nil {
			params = append(params, a)
			continue
		}
		params = append(params, v)
	}
	return params
}
