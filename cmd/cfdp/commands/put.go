package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"avaneesh/cfdp-go/pkg/cfdp"
	"avaneesh/cfdp-go/pkg/entity"
	"avaneesh/cfdp-go/pkg/pdu"
)

var (
	putDest     uint64
	putClass    int
	putClosure  bool
	putMessages []string
	putTimeout  time.Duration
)

func init() {
	putCmd.Flags().Uint64VarP(&putDest, "dest", "d", 0, "destination entity ID")
	putCmd.Flags().IntVar(&putClass, "class", 0, "1 (unacknowledged) or 2 (acknowledged); 0 uses the config")
	putCmd.Flags().BoolVar(&putClosure, "closure", false, "request a Finished PDU in class 1")
	putCmd.Flags().StringArrayVarP(&putMessages, "message", "m", nil, "message to user sent with the metadata (repeatable)")
	putCmd.Flags().DurationVarP(&putTimeout, "timeout", "t", 10*time.Minute, "give up and cancel after this long")
	putCmd.MarkFlagRequired("dest") //nolint:errcheck
}

var putCmd = &cobra.Command{
	Use:   "put <source-file> <dest-file>",
	Short: "Sends one file and waits for the transaction to end",
	Long: "Sends one file and waits for the transaction to end. File names are relative " +
		"to local.filestore_root. Exits non-zero unless the transfer completes without a fault.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		req := cfdp.PutRequest{
			Destination:    pdu.EntityID(putDest),
			SourceFile:     args[0],
			DestFile:       args[1],
			MessagesToUser: putMessages,
		}
		switch putClass {
		case 0:
		case 1:
			m := pdu.Unacknowledged
			req.Mode = &m
		case 2:
			m := pdu.Acknowledged
			req.Mode = &m
		default:
			return errors.Errorf("--class must be 1 or 2, got %d", putClass)
		}
		if cmd.Flags().Changed("closure") {
			req.ClosureRequested = &putClosure
		}

		disposed := make(chan cfdp.Status, 16)
		handler := cfdp.IndicationFunc(func(ind cfdp.Indication) {
			logIndication(ind)
			if ind.Kind == entity.IndicationDisposed && ind.Status != nil && ind.Status.Role == entity.RoleSender {
				disposed <- *ind.Status
			}
		})

		mgr, err := cfdp.NewManager(cfg, cfdp.WithIndicationHandler(handler))
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := mgr.Start(ctx); err != nil {
			return err
		}

		id, err := mgr.Put(ctx, req)
		if err != nil {
			return err
		}
		log.Infof("%s: sending %s to entity %d", id, args[0], putDest)

		st, err := waitDisposed(ctx, mgr, id, disposed)
		if err != nil {
			return err
		}
		if st.State != entity.StateFinished || st.Condition != pdu.NoError {
			return errors.Errorf("transaction %s ended %s with %s", id, st.StateName, st.Condition)
		}
		log.Infof("%s: delivered %d octets", id, st.FileSize)
		return nil
	},
}

// waitDisposed waits for transaction id to end, cancelling it on timeout or interrupt
func waitDisposed(ctx context.Context, mgr *cfdp.Manager, id cfdp.TransactionID, disposed <-chan cfdp.Status) (cfdp.Status, error) {
	timeout := time.After(putTimeout)
	interrupted := ctx.Done()
	for {
		select {
		case st := <-disposed:
			if st.ID == id {
				return st, nil
			}
		case <-timeout:
			log.Warnf("%s: timed out after %s, cancelling", id, putTimeout)
			timeout = nil
			if err := mgr.Cancel(id); err != nil && !errors.Is(err, entity.ErrUnknownTransaction) {
				return cfdp.Status{}, err
			}
		case <-interrupted:
			log.Warnf("%s: interrupted, cancelling", id)
			interrupted = nil
			if err := mgr.Cancel(id); err != nil && !errors.Is(err, entity.ErrUnknownTransaction) {
				return cfdp.Status{}, err
			}
		}
	}
}
