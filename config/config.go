// Package config keeps controller profiles in a JSON file, keyed by node
// name.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	ble "github.com/rigado/blell"
	"github.com/rigado/blell/ll"
)

// Adv holds the advertising setup of a node.
type Adv struct {
	IntervalMin uint16   `json:"interval_min"`
	IntervalMax uint16   `json:"interval_max"`
	Type        uint8    `json:"type"`
	ChannelMap  uint8    `json:"channel_map"`
	Name        string   `json:"name,omitempty"`
	Services    []string `json:"services,omitempty"`
}

// Scan holds the scanning setup of a node.
type Scan struct {
	Interval  uint16 `json:"interval"`
	Window    uint16 `json:"window"`
	Whitelist bool   `json:"whitelist,omitempty"`
	FilterDup bool   `json:"filter_dup,omitempty"`
}

// Profile is the stored configuration of one controller.
type Profile struct {
	PublicAddr string `json:"public_addr"`
	RandomAddr string `json:"random_addr,omitempty"`
	TxPower    int    `json:"tx_power"`
	MasterSCA  uint8  `json:"master_sca"`
	Seed       int64  `json:"seed,omitempty"`
	LogLevel   string `json:"log_level,omitempty"`
	Adv        *Adv   `json:"adv,omitempty"`
	Scan       *Scan  `json:"scan,omitempty"`
}

// Options returns the controller options described by the profile.
func (p Profile) Options() ([]ble.Option, error) {
	a, err := ble.ParseDeviceAddr(p.PublicAddr)
	if err != nil {
		return nil, errors.Wrap(err, "public address")
	}
	opts := []ble.Option{
		ble.OptPublicAddr(a),
		ble.OptTxPower(p.TxPower),
		ble.OptMasterSCA(p.MasterSCA),
	}
	if p.Seed != 0 {
		opts = append(opts, ble.OptRandSeed(p.Seed))
	}
	if p.LogLevel != "" {
		lvl, err := logrus.ParseLevel(p.LogLevel)
		if err != nil {
			return nil, errors.Wrap(err, "log level")
		}
		l := logrus.New()
		l.SetLevel(lvl)
		l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}
		opts = append(opts, ble.OptLogger(ble.NewLogger(l)))
	}
	return opts, nil
}

// AdvParams returns the HCI advertising parameters, or false if the profile
// doesn't advertise.
func (p Profile) AdvParams() (ll.AdvParams, bool) {
	if p.Adv == nil {
		return ll.AdvParams{}, false
	}
	ap := ll.AdvParams{
		IntervalMin: p.Adv.IntervalMin,
		IntervalMax: p.Adv.IntervalMax,
		Type:        p.Adv.Type,
		ChannelMap:  p.Adv.ChannelMap,
	}
	if p.RandomAddr != "" {
		ap.OwnAddrType = ble.AddrTypeRandom
	}
	return ap, true
}

// ScanParams returns the HCI scan parameters, or false if the profile
// doesn't scan.
func (p Profile) ScanParams() (ll.ScanParams, bool) {
	if p.Scan == nil {
		return ll.ScanParams{}, false
	}
	sp := ll.ScanParams{
		Type:     ll.ScanTypePassive,
		Interval: p.Scan.Interval,
		Window:   p.Scan.Window,
	}
	if p.RandomAddr != "" {
		sp.OwnAddrType = ble.AddrTypeRandom
	}
	if p.Scan.Whitelist {
		sp.FilterPolicy = ll.ScanFilterWhitelist
	}
	return sp, true
}

// Store is a profile file shared by the nodes of a simulation.
type Store struct {
	filename string
	lock     sync.RWMutex
}

func New(filename string) *Store {
	return &Store{filename: filename}
}

// Save stores p under name. An existing profile is only overwritten when
// replace is set.
func (s *Store) Save(name string, p Profile, replace bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	all, err := s.loadExisting()
	if err != nil {
		return err
	}

	if _, ok := all[name]; ok && !replace {
		return fmt.Errorf("config already contains profile for %s", name)
	}
	all[name] = p

	return s.store(all)
}

// Load returns the profile stored under name.
func (s *Store) Load(name string) (Profile, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	all, err := s.loadExisting()
	if err != nil {
		return Profile{}, err
	}

	p, ok := all[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile for %s not found", name)
	}
	return p, nil
}

// Names returns the names of all stored profiles.
func (s *Store) Names() ([]string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	all, err := s.loadExisting()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	return names, nil
}

// Clear removes the file.
func (s *Store) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return os.Remove(s.filename)
}

func (s *Store) loadExisting() (map[string]Profile, error) {
	_, err := os.Stat(s.filename)
	if os.IsNotExist(err) {
		return map[string]Profile{}, nil
	}

	in, err := ioutil.ReadFile(s.filename)
	if err != nil {
		return nil, err
	}

	var all map[string]Profile
	if err := jsoniter.Unmarshal(in, &all); err != nil {
		return nil, errors.Wrapf(err, "decode %s", s.filename)
	}
	if all == nil {
		all = map[string]Profile{}
	}
	return all, nil
}

func (s *Store) store(all map[string]Profile) error {
	out, err := jsoniter.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}

	return ioutil.WriteFile(s.filename, out, 0644)
}
