package coordinator

import (
	"context"
	"fmt"

	"zigbee-homekit/internal/ncp"
	"zigbee-homekit/internal/store"
)

// coordinatorEndpoint receives every binding the bridge creates.
const coordinatorEndpoint = 1

// bindToCoordinator asks dev to send cluster traffic from ep to the
// coordinator, which is what makes attribute reports arrive unsolicited.
func (c *Coordinator) bindToCoordinator(ctx context.Context, dev *store.Device, ep uint8, clusterID uint16) error {
	src, err := ParseIEEE(dev.IEEEAddress)
	if err != nil {
		return fmt.Errorf("bind 0x%04X: %w", clusterID, err)
	}
	return c.ncp.Bind(ctx, ncp.BindRequest{
		TargetShortAddr: dev.ShortAddress,
		SrcIEEE:         src,
		SrcEP:           ep,
		ClusterID:       clusterID,
		DstIEEE:         c.LocalIEEE(),
		DstEP:           coordinatorEndpoint,
	})
}

// reportableChange encodes a reporting threshold in one byte, or two
// little-endian bytes when it does not fit.
func reportableChange(change int) []byte {
	if change > 0xFF {
		return []byte{byte(change), byte(change >> 8)}
	}
	return []byte{byte(change)}
}
