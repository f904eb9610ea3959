// Package backup drives a backup from the hypervisor side. It talks QMP
// (QEMU Machine Protocol) to a running guest to discover its block
// devices and control its run state, and streams device images into a
// bridge job.
//
// Key features include:
//
//   - Block device discovery through query-block
//   - Pausing and resuming the guest around a consistent backup
//   - Streaming an image with bounded outstanding writes, sending
//     all-zero blocks without a buffer
//   - Event listener for guest shutdown and I/O errors
//
// Example usage:
//
//	monitor, _ := qmp.NewSocketMonitor("unix", socket, 2*time.Second)
//	devices, err := backup.QueryDevices(monitor)
//	n, err := backup.StreamImage(ctx, b, h, backup.ImageName(dev), file, dev.Size, backup.StreamOptions{})
//
// For CLI orchestration, see cmd/vmbackup.
package backup
