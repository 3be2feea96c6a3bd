package system

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// DeviceID names the gateway on the air (AP SSID) and on the network
// (mDNS, MQTT topic).  It is the hostname plus the last three bytes of
// the first hardware address found among ifaces, e.g. "gwbridge-A1B2C3".
// Boards without a readable MAC get a stable suffix derived from the
// hostname instead.
func DeviceID(hostname string, ifaces ...string) string {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" {
		hostname = "gwbridge"
	}
	for _, name := range ifaces {
		ifi, err := net.InterfaceByName(name)
		if err != nil || len(ifi.HardwareAddr) < 3 {
			continue
		}
		hw := ifi.HardwareAddr
		return fmt.Sprintf("%s-%02X%02X%02X", hostname, hw[len(hw)-3], hw[len(hw)-2], hw[len(hw)-1])
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(hostname))
	return fmt.Sprintf("%s-%s", hostname, strings.ToUpper(id.String()[:6]))
}

