package adv

import (
	"fmt"

	"github.com/pkg/errors"
)

var ErrEmpty = errors.New("nil/empty advertising data")

// Fields is the decoded content of advertising data and, optionally, the
// matching scan response.
type Fields struct {
	Flags       []byte
	LocalName   string
	TxPower     []byte
	Services    []UUID
	Solicited   []UUID
	ServiceData map[string][][]byte
	MfgData     []byte
}

type decoder struct {
	arrayElementSz int
	minSz          int
	svcDataUUIDSz  int
	set            func(f *Fields, b []byte, sz int)
}

func setServices(f *Fields, b []byte, sz int)  { f.Services = append(f.Services, split(b, sz)...) }
func setSolicited(f *Fields, b []byte, sz int) { f.Solicited = append(f.Solicited, split(b, sz)...) }
func setName(f *Fields, b []byte, _ int)       { f.LocalName = string(b) }
func setTxPower(f *Fields, b []byte, _ int)    { f.TxPower = b }
func setFlags(f *Fields, b []byte, _ int)      { f.Flags = b }

// setMfgData appends. A scan response repeats the company id, strip it.
func setMfgData(f *Fields, b []byte, _ int) {
	if f.MfgData == nil {
		f.MfgData = b
		return
	}
	if len(b) >= 2 {
		b = b[2:]
	}
	f.MfgData = append(f.MfgData, b...)
}

var decoders = map[byte]decoder{
	typeSomeUUID16:   {2, 2, 0, setServices},
	typeAllUUID16:    {2, 2, 0, setServices},
	typeSomeUUID32:   {4, 4, 0, setServices},
	typeAllUUID32:    {4, 4, 0, setServices},
	typeSomeUUID128:  {16, 16, 0, setServices},
	typeAllUUID128:   {16, 16, 0, setServices},
	typeSol16:        {2, 2, 0, setSolicited},
	typeSol32:        {4, 4, 0, setSolicited},
	typeSol128:       {16, 16, 0, setSolicited},
	typeSvcData16:    {0, 2, 2, nil},
	typeSvcData32:    {0, 4, 4, nil},
	typeSvcData128:   {0, 16, 16, nil},
	typeCompleteName: {0, 1, 0, setName},
	typeShortName:    {0, 1, 0, setName},
	typeTxPower:      {0, 1, 0, setTxPower},
	typeMfgData:      {0, 1, 0, setMfgData},
	typeFlags:        {0, 1, 0, setFlags},
}

// split relies on the caller having checked the element size.
func split(b []byte, sz int) []UUID {
	arr := make([]UUID, 0, len(b)/sz)
	for j := 0; j < len(b); j += sz {
		arr = append(arr, UUID(b[j:j+sz]))
	}
	return arr
}

func checkArray(size int, b []byte) error {
	if size <= 0 {
		return fmt.Errorf("invalid size")
	}
	if len(b) == 0 {
		return fmt.Errorf("nil/empty bytes")
	}
	if len(b)%size != 0 {
		return fmt.Errorf("incorrect size")
	}
	return nil
}

// Parse decodes the AD structures of one or more payloads (typically the
// advertising data followed by the scan response data). Unknown AD types
// are skipped. On error the fields decoded so far are returned.
func Parse(data ...[]byte) (*Fields, error) {
	f := &Fields{}
	empty := true
	for _, b := range data {
		if len(b) == 0 {
			continue
		}
		empty = false
		if err := f.parse(b); err != nil {
			return f, err
		}
	}
	if empty {
		return nil, ErrEmpty
	}
	return f, nil
}

func (f *Fields) parse(b []byte) error {
	for i := 0; i+1 < len(b); {
		// length covers the type byte and the data
		length := int(b[i])
		typ := b[i+1]

		if length < 1 {
			return fmt.Errorf("invalid record length %v, idx %v", length, i)
		}
		if i+length >= len(b) {
			return fmt.Errorf("buffer overflow: want %v, have %v, idx %v", i+length, len(b), i)
		}

		start := i + 2
		end := start + length - 1
		v := make([]byte, end-start)
		copy(v, b[start:end])

		if dec, ok := decoders[typ]; ok && len(v) != 0 {
			if dec.minSz > len(v) {
				return fmt.Errorf("adv type %v: min length %v, have %v, idx %v", typ, dec.minSz, len(v), i)
			}
			switch {
			case dec.arrayElementSz > 0:
				if err := checkArray(dec.arrayElementSz, v); err != nil {
					return fmt.Errorf("adv type %v, idx %v: %w", typ, i, err)
				}
				dec.set(f, v, dec.arrayElementSz)
			case dec.svcDataUUIDSz > 0:
				if f.ServiceData == nil {
					f.ServiceData = make(map[string][][]byte)
				}
				su := UUID(v[:dec.svcDataUUIDSz]).String()
				f.ServiceData[su] = append(f.ServiceData[su], v[dec.svcDataUUIDSz:])
			default:
				dec.set(f, v, 0)
			}
		}

		i += length + 1
	}
	return nil
}
