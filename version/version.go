// Package version provides default versions, user-agents etc. for client identification.
package version

var (
	DefaultExtendedHandshakeClientVersion string
	// This should be updated when engine behaviour changes in a way that other peers could care
	// about.
	DefaultBep20Prefix   = "-SD0010-"
	DefaultHttpUserAgent string
	DefaultUpnpId        string
)

func init() {
	DefaultExtendedHandshakeClientVersion = "swarmd 0.1.0"
	DefaultUpnpId = "swarmd 0.1.0"
	// Per https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/User-Agent#library_and_net_tool_ua_strings
	DefaultHttpUserAgent = "swarmd/0.1.0"
}
