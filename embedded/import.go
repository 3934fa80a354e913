package embedded

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/tweag/update-launcher/api"
)

// Inserter is the part of the catalogue needed to import the embedded update.
type Inserter interface {
	InsertUpdate(ctx context.Context, update api.UpdateRecord, assets []api.AssetRecord) error
	LoadUpdate(ctx context.Context, updateID uuid.UUID) (api.UpdateRecord, error)
}

// Import copies the embedded update record into the catalogue, unless it is already known.
// It returns false if the application has no embedded update.
func Import(ctx context.Context, reader *Reader, catalogue Inserter) (bool, error) {
	update, ok, err := reader.Get()
	if err != nil || !ok {
		return false, err
	}
	_, err = catalogue.LoadUpdate(ctx, update.Record.ID)
	if err == nil {
		return true, nil
	} else if !errors.Is(err, errors.NotFound) {
		return false, errors.Annotate(err, "looking up embedded update")
	}
	err = catalogue.InsertUpdate(ctx, update.Record, update.AssetRecords())
	if errors.Is(err, errors.AlreadyExists) {
		// inserted concurrently
		return true, nil
	} else if err != nil {
		return false, errors.Annotate(err, "importing embedded update")
	}
	logger.Infof("imported embedded update %s", update.Record.ID)
	return true, nil
}
