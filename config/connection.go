package config

import (
	"time"
	_ "time/tzdata" // time_zone on hosts without zoneinfo

	"github.com/juju/errors"
	"github.com/temoto/iec104/client"
	"github.com/temoto/iec104/helpers"
	"github.com/temoto/iec104/iec"
)

type ConnectionConfig struct {
	Name             string         `hcl:"name,key" yaml:"name"`
	Servers          *string        `hcl:"servers" yaml:"servers"`
	ConnectTimeoutMs int            `hcl:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	ReconnectDelayMs int            `hcl:"reconnect_delay_ms" yaml:"reconnect_delay_ms"`
	Watch            []string       `hcl:"watch" yaml:"watch"`
	Protocol         ProtocolConfig `hcl:"protocol" yaml:"protocol"`
	Data             DataConfig     `hcl:"data" yaml:"data"`
}

// ProtocolConfig zero fields take iec.DefaultProtocolOptions.
type ProtocolConfig struct { //nolint:maligned
	Timeout1Ms               int    `hcl:"timeout1_ms" yaml:"timeout1_ms"`
	Timeout2Ms               int    `hcl:"timeout2_ms" yaml:"timeout2_ms"`
	Timeout3Ms               int    `hcl:"timeout3_ms" yaml:"timeout3_ms"`
	AcknowledgeWindow        int    `hcl:"acknowledge_window" yaml:"acknowledge_window"`
	MaxUnacknowledged        int    `hcl:"max_unacknowledged" yaml:"max_unacknowledged"`
	ASDUAddressSize          int    `hcl:"asdu_address_size" yaml:"asdu_address_size"`
	IOASize                  int    `hcl:"ioa_size" yaml:"ioa_size"`
	COTSize                  int    `hcl:"cot_size" yaml:"cot_size"`
	CauseSourceAddress       int    `hcl:"cause_source_address" yaml:"cause_source_address"`
	TimeZone                 string `hcl:"time_zone" yaml:"time_zone"`
	IgnoreDaylightSavingTime bool   `hcl:"ignore_dst" yaml:"ignore_dst"`
}

type DataConfig struct {
	IgnoreBackgroundScan bool `hcl:"ignore_background_scan" yaml:"ignore_background_scan"`
}

// ConnectionID: missing servers is errors.IsNotFound, malformed is errors.IsNotValid.
func (cc *ConnectionConfig) ConnectionID() (client.ConnectionID, *client.Endpoints, error) {
	eps, err := client.ParseEndpointsPtr(cc.Servers)
	if err != nil {
		return client.ConnectionID{}, nil, errors.Annotatef(err, "connection=%s servers", cc.Name)
	}
	return client.ConnectionID{Servers: *cc.Servers, ID: cc.Name}, eps, nil
}

func (cc *ConnectionConfig) WatchAddresses() ([]iec.Address, error) {
	as, err := iec.ParseAddressList(cc.Watch)
	return as, errors.Annotatef(err, "connection=%s watch", cc.Name)
}

func (pc *ProtocolConfig) Options() (iec.ProtocolOptions, error) {
	o := iec.DefaultProtocolOptions()
	o.T1 = helpers.IntMillisecondDefault(pc.Timeout1Ms, o.T1)
	o.T2 = helpers.IntMillisecondDefault(pc.Timeout2Ms, o.T2)
	o.T3 = helpers.IntMillisecondDefault(pc.Timeout3Ms, o.T3)
	if pc.AcknowledgeWindow != 0 {
		o.AcknowledgeWindow = pc.AcknowledgeWindow
	}
	if pc.MaxUnacknowledged != 0 {
		o.MaxUnacknowledged = pc.MaxUnacknowledged
	}
	if pc.ASDUAddressSize != 0 {
		o.ASDUAddressSize = pc.ASDUAddressSize
	}
	if pc.IOASize != 0 {
		o.IOASize = pc.IOASize
	}
	if pc.COTSize != 0 {
		o.CauseOfTransmission = pc.COTSize
	}
	if pc.CauseSourceAddress < 0 || pc.CauseSourceAddress > 255 {
		return o, errors.NotValidf("cause_source_address=%d", pc.CauseSourceAddress)
	}
	o.CauseSourceAddress = uint8(pc.CauseSourceAddress)
	if pc.TimeZone != "" {
		loc, err := time.LoadLocation(pc.TimeZone)
		if err != nil {
			return o, errors.NewNotValid(err, "time_zone="+pc.TimeZone)
		}
		o.TimeZone = loc
	}
	o.IgnoreDaylightSavingTime = pc.IgnoreDaylightSavingTime
	return o, o.Validate()
}

// ClientOptions without Engine, Log, Clock and Metrics, caller sets those.
func (cc *ConnectionConfig) ClientOptions() (client.Options, error) {
	po, err := cc.Protocol.Options()
	if err != nil {
		return client.Options{}, errors.Annotatef(err, "connection=%s protocol", cc.Name)
	}
	return client.Options{
		ConnectTimeout: helpers.IntMillisecondDefault(cc.ConnectTimeoutMs, client.DefaultConnectTimeout),
		ReconnectDelay: helpers.IntMillisecondDefault(cc.ReconnectDelayMs, client.DefaultReconnectDelay),
		Protocol:       po,
		Data:           iec.DataModuleOptions{IgnoreBackgroundScan: cc.Data.IgnoreBackgroundScan},
	}, nil
}
