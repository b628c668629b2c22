package stack

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/matheuscscp/net-stack/config"
	"github.com/matheuscscp/net-stack/layers/link"
	"github.com/matheuscscp/net-stack/layers/network"
	"github.com/matheuscscp/net-stack/layers/physical"

	petname "github.com/dustinkirkland/golang-petname"
	gplayers "github.com/google/gopacket/layers"
)

// Config contains the process-wide configuration of a Stack. It is
// fixed for the lifetime of the Stack.
type Config struct {
	MACAddress         string        `yaml:"macAddress"`
	IPAddress          string        `yaml:"ipAddress"`
	ARPCacheTimeout    time.Duration `yaml:"arpCacheTimeout"`
	ARPPendingTimeout  time.Duration `yaml:"arpPendingTimeout"`
	MaxFragmentPayload int           `yaml:"maxFragmentPayload"`
	DefaultTTL         uint8         `yaml:"defaultTTL"`
	// StackName labels the metrics and logs of the stack. A random
	// name is generated when empty.
	StackName string `yaml:"stackName"`

	Wire physical.FullDuplexUnreliableWireConfig `yaml:"wire"`

	// UDPEcho lists the ports on which the run command echoes UDP payloads.
	UDPEcho []uint16 `yaml:"udpEcho"`
	// MetricsAddr is where the run command serves prometheus metrics.
	// Metrics are not served when empty.
	MetricsAddr string `yaml:"metricsAddr"`

	macAddress net.HardwareAddr
	ipAddress  net.IP
}

// ReadConfigFile reads a Config from a YAML file and validates it.
func ReadConfigFile(file string) (*Config, error) {
	var conf Config
	if err := config.ReadYAMLFileAndUnmarshal(file, &conf); err != nil {
		return nil, fmt.Errorf("error reading yaml stack config file: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stack config: %w", err)
	}
	return &conf, nil
}

// Validate fills defaults and rejects invalid values.
func (c *Config) Validate() error {
	macAddress, err := net.ParseMAC(c.MACAddress)
	if err != nil {
		return fmt.Errorf("error parsing mac address: %w", err)
	}
	if len(macAddress) != 6 {
		return fmt.Errorf("mac address %s is not an ethernet address", c.MACAddress)
	}
	if gplayers.NewMACEndpoint(macAddress) == link.BroadcastMACEndpoint() {
		return errors.New("mac address cannot be the broadcast address")
	}
	ipAddress := net.ParseIP(c.IPAddress).To4()
	if ipAddress == nil { // net.ParseIP() does not return an error
		return fmt.Errorf("ip address %q is not a valid ipv4 address", c.IPAddress)
	}

	if c.ARPCacheTimeout < 0 {
		return fmt.Errorf("arp cache timeout cannot be negative, got %v", c.ARPCacheTimeout)
	}
	if c.ARPCacheTimeout == 0 {
		c.ARPCacheTimeout = network.DefaultARPCacheTimeout
	}
	if c.ARPPendingTimeout < 0 {
		return fmt.Errorf("arp pending timeout cannot be negative, got %v", c.ARPPendingTimeout)
	}
	if c.ARPPendingTimeout == 0 {
		c.ARPPendingTimeout = network.DefaultARPPendingTimeout
	}

	ipConf := c.ipv4Config()
	if err := ipConf.Validate(); err != nil {
		return err
	}
	c.MaxFragmentPayload = ipConf.MaxFragmentPayload
	c.DefaultTTL = ipConf.DefaultTTL

	if c.StackName == "" {
		c.StackName = petname.Generate(2, "-")
	}
	for _, port := range c.UDPEcho {
		if port == 0 {
			return errors.New("udp echo port cannot be zero")
		}
	}

	c.macAddress = macAddress
	c.ipAddress = ipAddress
	return nil
}

func (c *Config) arpConfig() network.ARPConfig {
	return network.ARPConfig{
		CacheTimeout:   c.ARPCacheTimeout,
		PendingTimeout: c.ARPPendingTimeout,
	}
}

func (c *Config) ipv4Config() network.IPv4Config {
	return network.IPv4Config{
		MaxFragmentPayload: c.MaxFragmentPayload,
		DefaultTTL:         c.DefaultTTL,
	}
}
