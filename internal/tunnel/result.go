package tunnel

import (
	"fmt"
	"net/netip"
)

// ResultKind identifies a Result variant.
type ResultKind string

const (
	KindSuccess           ResultKind = "success"
	KindPermissionDenied  ResultKind = "permission_denied"
	KindDeviceError       ResultKind = "tunnel_device_error"
	KindInvalidDNSServers ResultKind = "invalid_dns_servers"
	KindInvalidIPv6Config ResultKind = "invalid_ipv6_config"
)

// Result is the outcome of creating a tunnel device. It is one of Success,
// PermissionDenied, DeviceError, InvalidDNSServers or InvalidIPv6Config.
//
// The two Invalid* variants are partial successes: the device is open and
// usable, but part of the configuration was not applied.
type Result interface {
	// IsOpen reports whether the result holds a usable descriptor.
	IsOpen() bool

	// Kind identifies the variant.
	Kind() ResultKind

	// Descriptor returns the open descriptor, or nil.
	Descriptor() Descriptor

	isResult()
}

// Success holds a freshly created, fully configured device.
type Success struct {
	Device Descriptor
}

func (r *Success) IsOpen() bool           { return true }
func (r *Success) Kind() ResultKind       { return KindSuccess }
func (r *Success) Descriptor() Descriptor { return r.Device }
func (r *Success) isResult()              {}

// PermissionDenied means the platform has not granted tunneling capability.
type PermissionDenied struct{}

func (r *PermissionDenied) IsOpen() bool           { return false }
func (r *PermissionDenied) Kind() ResultKind       { return KindPermissionDenied }
func (r *PermissionDenied) Descriptor() Descriptor { return nil }
func (r *PermissionDenied) isResult()              {}

// DeviceError means the platform failed to establish the interface. Err
// carries whatever detail the boundary provided; it may be nil.
type DeviceError struct {
	Err error
}

func (r *DeviceError) IsOpen() bool           { return false }
func (r *DeviceError) Kind() ResultKind       { return KindDeviceError }
func (r *DeviceError) Descriptor() Descriptor { return nil }
func (r *DeviceError) isResult()              {}

func (r *DeviceError) Error() string {
	if r.Err == nil {
		return "tunnel device error"
	}
	return fmt.Sprintf("tunnel device error: %v", r.Err)
}

func (r *DeviceError) Unwrap() error {
	return r.Err
}

// InvalidDNSServers means the device is up but the platform rejected the
// listed DNS servers.
type InvalidDNSServers struct {
	Rejected []netip.Addr
	Device   Descriptor
}

func (r *InvalidDNSServers) IsOpen() bool           { return true }
func (r *InvalidDNSServers) Kind() ResultKind       { return KindInvalidDNSServers }
func (r *InvalidDNSServers) Descriptor() Descriptor { return r.Device }
func (r *InvalidDNSServers) isResult()              {}

// InvalidIPv6Config means the device is up but the platform rejected the
// listed IPv6 parameters.
type InvalidIPv6Config struct {
	Addresses  []netip.Addr
	Routes     []Route
	DNSServers []netip.Addr
	Device     Descriptor
}

func (r *InvalidIPv6Config) IsOpen() bool           { return true }
func (r *InvalidIPv6Config) Kind() ResultKind       { return KindInvalidIPv6Config }
func (r *InvalidIPv6Config) Descriptor() Descriptor { return r.Device }
func (r *InvalidIPv6Config) isResult()              {}

// isOpen reports whether r is a non-nil open result.
func isOpen(r Result) bool {
	return r != nil && r.IsOpen()
}
