// Package config decodes and validates the single JSON configuration
// document described in spec.md §6: DPDK/device topology, parser tuning,
// analyzer tuning, and learner tuning.
package config

import (
	"encoding/json"
	"net"
	"os"

	"github.com/pkg/errors"

	"github.com/flowsense/whisper/internal/handoff"
)

// ParserVerbosity is a bitmask mirroring the original's verbose_type enum:
// tracing/summarizing/init are independently combinable, and "complete"
// enables all three.
type ParserVerbosity uint8

const (
	VerboseNone        ParserVerbosity = 0x0
	VerboseTracing     ParserVerbosity = 0x1
	VerboseSummarizing ParserVerbosity = 0x2
	VerboseInit        ParserVerbosity = 0x4
	VerboseAll         ParserVerbosity = 0x7
)

var verboseModeNames = map[string]ParserVerbosity{
	"tracing":      VerboseTracing,
	"summarizing":  VerboseSummarizing,
	"init":         VerboseInit,
	"complete":     VerboseAll,
}

// Device is one capture source: a live NIC device name, or an offline pcap
// file replayed as a stand-in for a NIC port (see SPEC_FULL.md §4.5).
type Device struct {
	Name string
	Live bool
	BPF  string
}

// DPDK holds the topology parameters from spec.md §6's "DPDK" section,
// reinterpreted for a non-DPDK capture backend per SPEC_FULL.md §4.5:
// dpdk_port_vec becomes a list of capture source identifiers.
type DPDK struct {
	NumberRxQueue      int      `json:"number_rx_queue"`
	NumberTxQueue      int      `json:"number_tx_queue"`
	CoreNum            int      `json:"core_num"`
	CoreUseForParser   int      `json:"core_use_for_parser"`
	CoreUseForAnalyze  int      `json:"core_use_for_analyze"`
	DpdkPortVec        []string `json:"dpdk_port_vec"`
	Verbose            bool     `json:"verbose"`
}

// Parser holds spec.md §6's "Parser" section.
type Parser struct {
	MaxReceiveBurst int     `json:"max_receive_burts"`
	MetaPktArrSize  int     `json:"meta_pkt_arr_size"`
	VerboseMode     string  `json:"verbose_mode"`
	VerboseInterval float64 `json:"verbose_interval"`

	verbosity ParserVerbosity
}

// Verbosity returns the decoded verbosity bitmask, valid after Validate.
func (p Parser) Verbosity() ParserVerbosity { return p.verbosity }

// Analyzer holds spec.md §6's "Analyzer" section.
type Analyzer struct {
	NFFT             int     `json:"n_fft"`
	MeanWinTrain     int     `json:"mean_win_train"`
	MeanWinTest      int     `json:"mean_win_test"`
	NumTrainSample   int     `json:"num_train_sample"`
	PauseTimeUs      int     `json:"pause_time"`
	MetaPktArrSize   int     `json:"meta_pkt_arr_size"`
	ResultBufferSize int     `json:"result_buffer_size"`
	SaveToFile       bool    `json:"save_to_file"`
	SaveDir          string  `json:"save_dir"`
	SaveFilePrefix   string  `json:"save_file_prefix"`
	VerboseInterval  float64 `json:"verbose_interval"`
	InitVerbose      bool    `json:"init_verbose"`
	ModeVerbose      bool    `json:"mode_verbose"`
	CenterVerbose    bool    `json:"center_verbose"`
	SpeedVerbose     bool    `json:"speed_verbose"`
	IPVerbose        bool    `json:"ip_verbose"`
	VerboseIPTarget  string  `json:"verbose_ip_target"`
	VerboseCenterCore int    `json:"verbose_center_core"`
}

// Learner holds spec.md §6's "Learner" section.
type Learner struct {
	ValK           int    `json:"val_K"`
	NumTrainData   int    `json:"num_train_data"`
	SaveResult     bool   `json:"save_result"`
	SaveResultFile string `json:"save_result_file"`
	LoadResult     bool   `json:"load_result"`
	LoadResultFile string `json:"load_result_file"`
	Verbose        bool   `json:"verbose"`
}

// Config is the top-level configuration document.
type Config struct {
	DPDK     DPDK     `json:"DPDK"`
	Parser   Parser   `json:"Parser"`
	Analyzer Analyzer `json:"Analyzer"`
	Learner  Learner  `json:"Learner"`
}

// defaults matches the original implementation's field defaults so an
// omitted tag degrades gracefully rather than zero-valuing critical knobs.
func defaults() Config {
	return Config{
		DPDK: DPDK{
			NumberRxQueue:     8,
			NumberTxQueue:     8,
			CoreNum:           17,
			CoreUseForParser:  8,
			CoreUseForAnalyze: 8,
		},
		Parser: Parser{
			MaxReceiveBurst: 64,
			MetaPktArrSize:  1_000_000,
			VerboseInterval: 5.0,
		},
		Analyzer: Analyzer{
			NFFT:              50,
			MeanWinTrain:      50,
			MeanWinTest:       100,
			NumTrainSample:    50,
			PauseTimeUs:       50_000,
			MetaPktArrSize:    2_000_000,
			ResultBufferSize:  500_000,
			VerboseInterval:   5.0,
			VerboseCenterCore: 10,
		},
		Learner: Learner{
			ValK:         10,
			NumTrainData: 2000,
		},
	}
}

// Load reads and validates the JSON document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %q", path)
	}

	cfg := defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %q", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config: validate %q", path)
	}
	return &cfg, nil
}

// Validate enforces the fatal invariants from spec.md §4.5 and §6 and
// returns an error for the first one violated. Unknown or malformed
// optional tag values are not errors: an unknown verbose_mode is dropped
// (parser verbosity stays off) and an invalid verbose_ip_target disables
// that tap. Validate logs neither case.
func (c *Config) Validate() error {
	if c.DPDK.CoreNum < 2 {
		return errors.New("core_num must be >= 2")
	}
	required := c.DPDK.CoreUseForParser + c.DPDK.CoreUseForAnalyze + 1
	if c.DPDK.CoreNum < required {
		return errors.Errorf("core_num %d < parsers(%d)+analyzers(%d)+master(1)",
			c.DPDK.CoreNum, c.DPDK.CoreUseForParser, c.DPDK.CoreUseForAnalyze)
	}
	if c.DPDK.CoreUseForParser <= 0 || c.DPDK.CoreUseForAnalyze <= 0 {
		return errors.New("core_use_for_parser and core_use_for_analyze must be positive")
	}
	if len(c.DPDK.DpdkPortVec) == 0 {
		return errors.New("dpdk_port_vec must be non-empty")
	}

	if c.Parser.MaxReceiveBurst > (1 << 16) {
		return errors.Errorf("max_receive_burts %d exceeds ceiling %d", c.Parser.MaxReceiveBurst, 1<<16)
	}
	if c.Parser.MetaPktArrSize > handoff.MaxCapacity {
		return errors.Errorf("Parser.meta_pkt_arr_size %d exceeds ceiling %d", c.Parser.MetaPktArrSize, handoff.MaxCapacity)
	}
	if c.Parser.VerboseMode != "" {
		if mode, ok := verboseModeNames[c.Parser.VerboseMode]; ok {
			c.Parser.verbosity = mode
		} else {
			// Recoverable: drop the unknown value and keep the default.
			c.Parser.VerboseMode = ""
		}
	}
	if c.Parser.VerboseInterval < 0 {
		return errors.New("Parser.verbose_interval must be non-negative")
	}

	if c.Analyzer.MetaPktArrSize > handoff.MaxCapacity {
		return errors.Errorf("Analyzer.meta_pkt_arr_size %d exceeds ceiling %d", c.Analyzer.MetaPktArrSize, handoff.MaxCapacity)
	}
	if c.Analyzer.ResultBufferSize > (1 << 24) {
		return errors.Errorf("result_buffer_size %d exceeds ceiling %d", c.Analyzer.ResultBufferSize, 1<<24)
	}
	if c.Analyzer.VerboseInterval < 0 {
		return errors.New("Analyzer.verbose_interval must be non-negative")
	}
	if c.Analyzer.VerboseIPTarget != "" && !validIPv4(c.Analyzer.VerboseIPTarget) {
		// Recoverable per spec.md §7: disable the tap, don't fail startup.
		c.Analyzer.IPVerbose = false
		c.Analyzer.VerboseIPTarget = ""
	}

	if c.Learner.SaveResult && c.Learner.LoadResult {
		return errors.New("Learner.save_result and load_result are mutually exclusive")
	}
	if c.Learner.ValK <= 0 {
		return errors.New("Learner.val_K must be positive")
	}

	return nil
}

func validIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}
