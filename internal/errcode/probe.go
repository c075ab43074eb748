package errcode

import "github.com/nmslite/agentprov/internal/netdiag"

// FromProbe converts a failed reachability probe into an *Error. refusedCode selects
// how a closed port is reported: CONNECTION_REFUSED for SSH, PORT_CLOSED for the
// Windows management ports where the fix is a firewall rule.
func FromProbe(res netdiag.Result, refusedCode Code) *Error {
	if res.OK() {
		return nil
	}
	var code Code
	switch res.Category {
	case netdiag.CategoryDNS:
		code = DNSError
	case netdiag.CategoryTimeout:
		code = Timeout
	case netdiag.CategoryRefused:
		code = refusedCode
	default:
		code = NetworkUnreachable
	}
	return Wrap(code, res.Err, "%s", res.Message)
}
