package config

import "time"

type Config struct {
	Nick       string
	Color      int
	Interface  string // preferred network interface name, empty = try all
	ReceiveDir string
	ClientName string

	MulticastGroup string
	MainPort       int
	TempPort       int
	PrivatePort    int // base port, incremented on bind failure
	FilePort       int // base port, 0 = ephemeral
	PortAttempts   int
	MulticastTTL   int

	ChunkSize        int64
	ProgressInterval time.Duration
	RequestTimeout   time.Duration
	SendTimeout      time.Duration

	NegotiationWindow   time.Duration
	NegotiationAttempts int

	IdleInterval    time.Duration
	IdleThreshold   time.Duration
	LogoffThreshold time.Duration
	LoopbackTimeout time.Duration

	WebPort   int
	DBConnStr string
}

// Default returns the settings every instance on a LAN must agree on plus
// sensible local defaults.
func Default() Config {
	return Config{
		Nick:       "",
		Color:      0x000000,
		ReceiveDir: ".",
		ClientName: "lanchat",

		MulticastGroup: "239.255.50.50",
		MainPort:       50050,
		TempPort:       50049,
		PrivatePort:    50051,
		FilePort:       50100,
		PortAttempts:   50,
		MulticastTTL:   64,

		ChunkSize:        32 * 1024,
		ProgressInterval: 250 * time.Millisecond,
		RequestTimeout:   60 * time.Second,
		SendTimeout:      5 * time.Second,

		NegotiationWindow:   700 * time.Millisecond,
		NegotiationAttempts: 5,

		IdleInterval:    15 * time.Second,
		IdleThreshold:   45 * time.Second,
		LogoffThreshold: 2 * time.Minute,
		LoopbackTimeout: time.Minute,
	}
}
