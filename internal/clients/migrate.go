package clients

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clientbook/internal/phone"
	"github.com/sells-group/clientbook/internal/store"
)

// PhoneChange describes one stored phone field whose canonical storage form
// differs from what is stored.
type PhoneChange struct {
	ClientID string `json:"clientId" yaml:"client_id"`
	Name     string `json:"name" yaml:"name"`
	Branch   string `json:"branch" yaml:"branch"`
	OldPhone string `json:"oldPhone" yaml:"old_phone"`
	NewPhone string `json:"newPhone" yaml:"new_phone"`
	Applied  bool   `json:"applied" yaml:"applied"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// MigratePhones rewrites every stored phone field into canonical storage
// form. Fields with no valid number are left alone. With dryRun the changes
// are only reported. A failed update is recorded on its PhoneChange and the
// migration continues.
func (s *Service) MigratePhones(ctx context.Context, dryRun bool) ([]PhoneChange, error) {
	all, err := s.store.ListClients(ctx, store.ClientFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "clients: migrate phones: list")
	}

	var changes []PhoneChange
	for _, c := range all {
		if err := ctx.Err(); err != nil {
			return changes, eris.Wrap(err, "clients: migrate phones")
		}

		next := phone.ParseAll(c.PhoneNumber).Storage()
		if next == "" || next == c.PhoneNumber {
			continue
		}

		ch := PhoneChange{
			ClientID: c.ID,
			Name:     c.Name,
			Branch:   c.Branch,
			OldPhone: c.PhoneNumber,
			NewPhone: next,
		}
		if !dryRun {
			if err := s.store.UpdateClientPhone(ctx, c.ID, next); err != nil {
				ch.Error = err.Error()
				zap.L().Error("migrate phones: update failed",
					zap.String("client_id", c.ID), zap.Error(err))
			} else {
				ch.Applied = true
			}
		}
		changes = append(changes, ch)
	}

	zap.L().Info("migrate phones complete",
		zap.Int("clients", len(all)),
		zap.Int("changes", len(changes)),
		zap.Bool("dry_run", dryRun),
	)
	return changes, nil
}
