package replica

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"github.com/MarcoPoloResearchLab/peerchat/internal/view"
	"go.uber.org/zap"
)

// newRouter binds every known command to the view mutation it performs.
func newRouter(logger *zap.Logger) *commands.Router[*view.Tx] {
	router := commands.NewRouter[*view.Tx]()
	handler := func(ctx context.Context, cmd commands.Command, tx *view.Tx) error {
		return applyCommand(cmd, tx, logger)
	}
	for _, name := range []commands.Name{
		commands.NameAddWriter,
		commands.NameRemoveWriter,
		commands.NameAddInvite,
		commands.NameSendMessage,
		commands.NameDeleteMessage,
		commands.NameSetMetadata,
	} {
		router.Register(name, handler)
	}
	return router
}

func applyCommand(cmd commands.Command, tx *view.Tx, logger *zap.Logger) error {
	switch typed := cmd.(type) {
	case commands.AddWriter:
		return tx.PutWriter(typed.Key)
	case commands.RemoveWriter:
		return tx.DeleteWriter(typed.Key)
	case commands.AddInvite:
		stored, err := tx.PutInvite(view.Invite{
			ID:        typed.ID,
			PublicKey: typed.PublicKey,
			Expires:   typed.Expires,
			IssuedAt:  typed.IssuedAt,
		})
		if err == nil && !stored {
			logger.Debug("unexpired invite already stored; add-invite ignored")
		}
		return err
	case commands.SendMessage:
		if typed.Message.LegacyAttachmentEncoding() {
			logger.Warn("message attachments arrived double-encoded",
				zap.String("message_id", typed.Message.ID))
		}
		_, err := tx.PutMessage(typed.Message)
		return err
	case commands.DeleteMessage:
		return tx.DeleteMessage(typed.ID)
	case commands.SetMetadata:
		return tx.ReplaceMetadata(typed.Room)
	case commands.Unknown:
		return fmt.Errorf("%w: tag 0x%02x", commands.ErrUnknownCommand, byte(typed.Tag))
	default:
		return fmt.Errorf("%w: %T", commands.ErrUnknownCommand, cmd)
	}
}
