// Command vmbackup backs up the disks of a running QEMU guest to a backup
// server.
//
// It connects to the guest's QMP socket, discovers the block devices to
// back up, optionally pauses the guest, and streams each raw device image
// into a bridge job together with the guest's config file. The snapshot
// becomes visible on the server only when every image was committed.
//
// Usage:
//
//	vmbackup --socket /run/qemu-server/100.qmp --id 100 \
//	    --config /etc/pbsbridge.yaml --vm-config /etc/pve/qemu-server/100.conf
//
// For the image streaming itself, see package backup.
package main
