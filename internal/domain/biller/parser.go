// Package biller imports the RPPS biller catalogue.
package biller

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/loanpay/server/internal/model"
	"go.uber.org/zap"
)

const (
	maxLineLength     = 10000
	maxRecordsPerLine = 100
	maxFieldLength    = 1000
	maxScanBuffer     = 1 << 20
)

// RPPS record types.
const (
	recordBiller         = "0"
	recordAddress        = "1"
	recordMask           = "2"
	recordMaskDescriptor = "3"
	recordAKA            = "4"
	recordContact        = "5"
	recordPhone          = "6"
	recordHeader         = "X0"
)

// recordFields lists the fields following the record type column.
var recordFields = map[string][]string{
	recordBiller: {
		"billerKey", "recordEffectiveDate", "billerId", "liveDate",
		"transitRoutingNumber", "billerName", "billerClass", "billerType",
		"lineOfBusiness", "fileFormat", "acceptsPrenotes",
		"acceptsGuaranteedPaymentsOnly", "acceptsDmpPrenotes",
		"acceptsDmpPaymentsOnly", "averageResponseTimeHours",
		"acceptCdpprenotes", "acceptCdvprenotes", "acceptCddprenotes",
		"acceptCdfprenotes", "acceptCdnprenotes", "acceptFbdprenotes",
		"acceptFbcprenotes", "returnCdr", "returnCdt", "returnCda", "returnCdv",
		"returnCdc", "returnCdm", "requireAddendaWithReversals", "countryCode",
		"stateProvinceCode", "checkDigitRoutine", "currencyCode", "territoryCode",
		"previousBillerName", "acceptsExceptionPayments",
		"sameDayPaymentDeadlineCycle", "totalAddresses", "totalMasks",
		"totalAkas", "totalContacts",
	},
	recordAddress: {
		"addressKey", "recordEffectiveDate", "addressType",
		"addressLine1", "addressLine2", "city", "stateProvinceCode",
		"countryCode", "postalCode",
	},
	recordMask: {
		"maskKey", "recordEffectiveDate", "maskLength", "mask", "exceptionMask",
	},
	recordMaskDescriptor: {
		"billerMaskDescriptorKey", "recordEffectiveDate", "maskDescriptor",
	},
	recordAKA: {
		"akaKey", "recordEffectiveDate", "akaName",
	},
	recordContact: {
		"contactKey", "recordEffectiveDate", "contactType",
		"organizationName", "courtesyTitle", "firstName", "lastName", "title",
		"addressLine1", "addressLine2", "city", "stateProvinceCode",
		"countryCode", "postalCode", "email",
	},
	recordPhone: {
		"phoneKey", "recordEffectiveDate", "phoneType", "phoneNumber",
	},
	// File header.
	recordHeader: {"effectiveDate"},
}

var dateLayouts = []string{"2006-01-02", "01/02/2006", "20060102", "01022006"}

// ParseStats counts what a parse run saw.
type ParseStats struct {
	Lines    int
	Billers  int
	BadLines int
}

// record is one decoded record: field name to trimmed value. Empty values
// are absent.
type record map[string]string

func (r record) ptr(name string) *string {
	if v, ok := r[name]; ok {
		return &v
	}
	return nil
}

func (r record) date(name string) *time.Time {
	v, ok := r[name]
	if !ok {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return &t
		}
	}
	return nil
}

// Parser reads RPPS biller files.
type Parser struct {
	logger *zap.Logger
}

// NewParser creates a new RPPS parser.
func NewParser(logger *zap.Logger) *Parser {
	return &Parser{logger: logger.Named("rpps")}
}

// Parse streams billers out of an RPPS file. Each biller is passed to emit
// once all its address, mask and AKA records were read. Malformed lines are
// counted and skipped; an emit error stops the parse.
func (p *Parser) Parse(r io.Reader, emit func(*model.Biller) error) (ParseStats, error) {
	var (
		stats     ParseStats
		current   *model.Biller
		addresses []*model.BillerAddress
		previous  []*model.BillerAddress
	)

	flush := func() error {
		if current == nil {
			return nil
		}
		// Previous addresses only stand in when the biller lists no current one.
		if len(addresses) > 0 {
			current.Addresses = addresses
		} else {
			current.Addresses = previous
		}
		stats.Billers++
		b := current
		current, addresses, previous = nil, nil, nil
		return emit(b)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanBuffer)

	for scanner.Scan() {
		stats.Lines++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		log := p.logger.With(zap.Int("line", stats.Lines))

		typ, records, err := decodeLine(line)
		if err != nil {
			log.Warn("skipping bad line", zap.Error(err))
			stats.BadLines++
			continue
		}

		bad := false
		for _, rec := range records {
			switch typ {
			case recordBiller:
				if err := flush(); err != nil {
					return stats, err
				}
				current = newBiller(rec)
			case recordAddress:
				if current == nil {
					bad = true
					continue
				}
				addr := newAddress(rec)
				if addr.Type != nil && *addr.Type == "Previous" {
					previous = append(previous, addr)
				} else {
					addresses = append(addresses, addr)
				}
			case recordMask:
				if current == nil {
					bad = true
					continue
				}
				current.Masks = append(current.Masks, newMask(rec))
			case recordAKA:
				if current == nil {
					bad = true
					continue
				}
				if name := newAKA(rec); name != nil {
					current.Names = append(current.Names, name)
				}
			}
		}
		if bad {
			log.Warn("record without a parent biller", zap.String("record_type", typ))
			stats.BadLines++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read rpps file at line %d: %w", stats.Lines+1, err)
	}
	if err := flush(); err != nil {
		return stats, err
	}

	p.logger.Info("rpps file parsed",
		zap.Int("lines", stats.Lines),
		zap.Int("billers", stats.Billers),
		zap.Int("bad_lines", stats.BadLines),
	)
	return stats, nil
}

// decodeLine splits a tab-separated line into records of its type. A line
// may repeat the type's field list up to maxRecordsPerLine times.
func decodeLine(line string) (string, []record, error) {
	if len(line) > maxLineLength {
		return "", nil, fmt.Errorf("line too long: %d characters", len(line))
	}

	cols := strings.Split(line, "\t")
	if cols[len(cols)-1] == "" {
		cols = cols[:len(cols)-1]
	}
	if len(cols) < 2 {
		return "", nil, fmt.Errorf("insufficient columns: %d", len(cols))
	}

	typ := cols[0]
	fields, ok := recordFields[typ]
	if !ok {
		return "", nil, fmt.Errorf("unknown record type %q", typ)
	}

	values := cols[1:]
	if len(values)%len(fields) != 0 {
		return "", nil, fmt.Errorf("%d values do not split into records of %d fields", len(values), len(fields))
	}
	count := len(values) / len(fields)
	if count > maxRecordsPerLine {
		return "", nil, fmt.Errorf("too many records: %d", count)
	}

	records := make([]record, 0, count)
	for i := 0; i < count; i++ {
		rec := make(record, len(fields))
		for j, name := range fields {
			v := values[i*len(fields)+j]
			if len(v) > maxFieldLength {
				v = v[:maxFieldLength]
			}
			if v = strings.TrimSpace(v); v != "" {
				rec[name] = v
			}
		}
		records = append(records, rec)
	}
	return typ, records, nil
}

func newBiller(rec record) *model.Biller {
	b := &model.Biller{
		Name:              rec["billerName"],
		Type:              model.BillerTypeNetwork,
		ExternalBillerID:  rec.ptr("billerId"),
		ExternalBillerKey: rec["billerKey"],
		LiveDate:          rec.date("liveDate"),
		BillerClass:       rec.ptr("billerClass"),
		BillerType:        rec.ptr("billerType"),
		LineOfBusiness:    rec.ptr("lineOfBusiness"),
		TerritoryCode:     rec.ptr("territoryCode"),
	}
	if prev, ok := rec["previousBillerName"]; ok {
		key := "previous"
		b.Names = append(b.Names, &model.BillerName{Name: prev, Key: &key})
	}
	return b
}

func newAddress(rec record) *model.BillerAddress {
	return &model.BillerAddress{
		Key:               rec.ptr("addressKey"),
		Type:              rec.ptr("addressType"),
		AddressLine1:      rec.ptr("addressLine1"),
		AddressLine2:      rec.ptr("addressLine2"),
		City:              rec.ptr("city"),
		StateProvinceCode: rec.ptr("stateProvinceCode"),
		CountryCode:       rec.ptr("countryCode"),
		PostalCode:        rec.ptr("postalCode"),
		Effective:         rec.date("recordEffectiveDate"),
	}
}

// newMask keeps the mask and drops its exception mask.
func newMask(rec record) *model.BillerMask {
	m := &model.BillerMask{
		Key:       rec.ptr("maskKey"),
		Mask:      rec["mask"],
		Effective: rec.date("recordEffectiveDate"),
	}
	if v, ok := rec["maskLength"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			m.Length = &n
		}
	}
	return m
}

func newAKA(rec record) *model.BillerName {
	name, ok := rec["akaName"]
	if !ok {
		return nil
	}
	return &model.BillerName{
		Name:      name,
		Key:       rec.ptr("akaKey"),
		Effective: rec.date("recordEffectiveDate"),
	}
}
