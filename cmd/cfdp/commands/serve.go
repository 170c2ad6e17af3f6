package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"avaneesh/cfdp-go/pkg/cfdp"
	"avaneesh/cfdp-go/pkg/entity"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs an entity that receives files until interrupted",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		mgr, err := cfdp.NewManager(cfg, cfdp.WithIndicationHandler(cfdp.IndicationFunc(logIndication)))
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := mgr.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		log.Info("Interrupted, shutting down")
		return nil
	},
}

// logIndication reports the indications an operator cares about
func logIndication(ind cfdp.Indication) {
	switch ind.Kind {
	case entity.IndicationMetadataReceived:
		log.Infof("%s: receiving %q -> %q (%d octets)", ind.ID, ind.SourceFile, ind.DestFile, ind.FileSize)
		for _, msg := range ind.MessagesToUser {
			log.Infof("%s: message: %s", ind.ID, msg)
		}
	case entity.IndicationFinished:
		log.Infof("%s: finished, %s, %s", ind.ID, ind.Condition, ind.FileStatus)
	case entity.IndicationFault:
		log.Warnf("%s: fault %s", ind.ID, ind.Condition)
	case entity.IndicationSuspended, entity.IndicationResumed, entity.IndicationAbandoned:
		log.Infof("%s: %s", ind.ID, ind.Kind)
	}
}
