package link

import (
	"net"
	"strconv"

	"avl-ingest/internal/model"
)

// DeviceInfo is the static view of a device sent to the proxy on connect.
type DeviceInfo struct {
	IMEI       string
	Model      string
	RemoteIP   string
	RemotePort int
}

func deviceInfo(dev *model.Device, remote string) DeviceInfo {
	info := DeviceInfo{IMEI: dev.IMEI, Model: dev.Model}
	host, port, err := net.SplitHostPort(remote)
	if err != nil {
		info.RemoteIP = remote
		return info
	}
	info.RemoteIP = host
	info.RemotePort, _ = strconv.Atoi(port)
	return info
}
