package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/ddp/src/client"
	"github.com/mosaicnetworks/ddp/src/livedata"
	"github.com/mosaicnetworks/ddp/src/proto"
	"github.com/spf13/cobra"
)

// NewWatchCmd returns the command that follows a publication
func NewWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "watch [publication] [collection] [params...]",
		Short:   "Subscribe to a publication and print the documents of a collection as they change",
		Args:    cobra.MinimumNArgs(2),
		PreRunE: loadConfig,
		RunE:    runWatch,
	}
	AddClientFlags(cmd)
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	conn, err := newConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	logger := _config.Logger()

	stopStatus := conn.LiveStatus().Subscribe(func(s client.Status) {
		logger.WithField("status", s.Status).WithField("reason", s.Reason).Info("Connection status")
	})
	defer stopStatus()

	ctx, cancel := signalContext()
	defer cancel()

	sub := conn.Subscribe(args[0], parseParams(args[2:])...)
	defer sub.Stop()
	if err := sub.Wait(ctx); err != nil {
		return err
	}

	handle := conn.Collection(args[1]).Find(nil, nil).Observe(livedata.ObserveCallbacks{
		Added:   func(doc livedata.Document) { printDocument(out, "added", doc) },
		Removed: func(doc livedata.Document) { printDocument(out, "removed", doc) },
	})
	defer handle.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-sub.Done():
		if st := sub.State().Get(); st.Error != nil {
			return st.Error
		}
		return nil
	}
}

func printDocument(w io.Writer, event string, doc livedata.Document) {
	b, err := proto.Marshal(map[string]interface{}(doc))
	if err != nil {
		fmt.Fprintf(w, "%s %s: %v\n", event, doc.ID(), err)
		return
	}
	fmt.Fprintf(w, "%s %s\n", event, b)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
