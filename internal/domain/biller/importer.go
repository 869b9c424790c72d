package biller

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
	"github.com/loanpay/server/internal/model"
	"github.com/loanpay/server/internal/port/outbound"
	"go.uber.org/zap"
)

const defaultBatchSize = 50

// Recorder observes finished imports.
type Recorder interface {
	RecordBillerImport(result *model.BillerImportResult, err error)
}

// Importer loads an RPPS file into the biller catalogue, writing only
// billers whose content changed.
type Importer struct {
	source    outbound.StoragePort
	billers   outbound.BillerDatabasePort
	parser    *Parser
	batchSize int
	recorder  Recorder
	logger    *zap.Logger
}

// NewImporter creates a new biller importer.
func NewImporter(source outbound.StoragePort, billers outbound.BillerDatabasePort, batchSize int, logger *zap.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Importer{
		source:    source,
		billers:   billers,
		parser:    NewParser(logger),
		batchSize: batchSize,
		logger:    logger.Named("biller-import"),
	}
}

// WithRecorder sets the recorder notified after each import.
func (im *Importer) WithRecorder(r Recorder) *Importer {
	im.recorder = r
	return im
}

// Import reads the named file from the source and upserts changed billers
// in batches. A failed batch is counted and the import goes on.
func (im *Importer) Import(ctx context.Context, name string) (*model.BillerImportResult, error) {
	result, err := im.run(ctx, name)
	if im.recorder != nil {
		im.recorder.RecordBillerImport(result, err)
	}
	return result, err
}

func (im *Importer) run(ctx context.Context, name string) (*model.BillerImportResult, error) {
	exists, err := im.source.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, name)
	}

	index, err := im.billers.ChecksumIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("load biller checksums: %w", err)
	}

	body, err := im.source.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	result := &model.BillerImportResult{}
	batch := make([]*model.Biller, 0, im.batchSize)
	var created, updated int

	write := func() {
		if len(batch) == 0 {
			return
		}
		if err := im.billers.UpsertBatch(ctx, batch); err != nil {
			im.logger.Error("biller batch failed", zap.Int("size", len(batch)), zap.Error(err))
			result.Failed += len(batch)
		} else {
			result.Created += created
			result.Updated += updated
		}
		batch = batch[:0]
		created, updated = 0, 0
	}

	stats, err := im.parser.Parse(body, func(b *model.Biller) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.ExternalBillerID == nil {
			result.Failed++
			return nil
		}

		sum, err := Checksum(b)
		if err != nil {
			return err
		}
		existing, known := index[*b.ExternalBillerID]
		if known && existing.CRC32 == sum {
			result.Unchanged++
			return nil
		}

		if known {
			b.ID = existing.ID
			updated++
		} else {
			b.ID = uuid.New()
			created++
		}
		b.CRC32 = sum
		attachChildren(b)
		index[*b.ExternalBillerID] = outbound.BillerChecksum{ID: b.ID, CRC32: sum}

		batch = append(batch, b)
		if len(batch) >= im.batchSize {
			write()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", name, err)
	}
	write()

	result.Lines = stats.Lines
	result.Parsed = stats.Billers
	result.BadLines = stats.BadLines

	im.logger.Info("biller import finished",
		zap.String("file", name),
		zap.Int("parsed", result.Parsed),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("failed", result.Failed),
		zap.Int("bad_lines", result.BadLines),
	)
	return result, nil
}

func attachChildren(b *model.Biller) {
	for _, n := range b.Names {
		n.ID = uuid.New()
		n.BillerID = b.ID
	}
	for _, m := range b.Masks {
		m.ID = uuid.New()
		m.BillerID = b.ID
	}
	for _, a := range b.Addresses {
		a.ID = uuid.New()
		a.BillerID = b.ID
	}
}

// canonicalBiller is the content a checksum covers. Identifiers and
// timestamps are left out so re-imports of the same file hash alike.
type canonicalBiller struct {
	Name             string   `json:"name"`
	ExternalBillerID *string  `json:"external_biller_id"`
	ExternalKey      string   `json:"external_key"`
	LiveDate         string   `json:"live_date"`
	BillerClass      *string  `json:"biller_class"`
	BillerType       *string  `json:"biller_type"`
	LineOfBusiness   *string  `json:"line_of_business"`
	TerritoryCode    *string  `json:"territory_code"`
	Names            [][3]any `json:"names"`
	Masks            [][4]any `json:"masks"`
	Addresses        [][9]any `json:"addresses"`
}

// Checksum returns the CRC32 of the biller's canonical content.
func Checksum(b *model.Biller) (int64, error) {
	c := canonicalBiller{
		Name:             b.Name,
		ExternalBillerID: b.ExternalBillerID,
		ExternalKey:      b.ExternalBillerKey,
		BillerClass:      b.BillerClass,
		BillerType:       b.BillerType,
		LineOfBusiness:   b.LineOfBusiness,
		TerritoryCode:    b.TerritoryCode,
	}
	c.LiveDate = day(b.LiveDate)
	for _, n := range b.Names {
		c.Names = append(c.Names, [3]any{n.Name, n.Key, day(n.Effective)})
	}
	for _, m := range b.Masks {
		c.Masks = append(c.Masks, [4]any{m.Mask, m.Key, m.Length, day(m.Effective)})
	}
	for _, a := range b.Addresses {
		c.Addresses = append(c.Addresses, [9]any{
			a.Key, a.Type, a.AddressLine1, a.AddressLine2, a.City,
			a.StateProvinceCode, a.CountryCode, a.PostalCode, day(a.Effective),
		})
	}

	data, err := json.Marshal(c)
	if err != nil {
		return 0, fmt.Errorf("encode biller %s: %w", b.Name, err)
	}
	return int64(crc32.ChecksumIEEE(data)), nil
}

func day(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
