// Package firecracker implements the hypervisor client (C3) and VM
// manager (C4): a JSON-over-Unix-socket client for the microVM
// configuration API, and process supervision for the hypervisor binary.
package firecracker

// BootSource describes the guest kernel image and boot arguments.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

// Drive describes one block device attached to the VM.
type Drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

// NetworkInterface describes one host-tap-backed NIC.
type NetworkInterface struct {
	IfaceID     string `json:"iface_id"`
	HostDevName string `json:"host_dev_name"`
	GuestMAC    string `json:"guest_mac,omitempty"`
}

// MachineConfig describes vCPU/memory sizing.
type MachineConfig struct {
	VCPUCount  int    `json:"vcpu_count"`
	MemSizeMiB int    `json:"mem_size_mib"`
	SMT        bool   `json:"smt,omitempty"`
	CPUTemplate string `json:"cpu_template,omitempty"`
}

// Vsock describes the host-side UDS backing the guest's vsock device.
type Vsock struct {
	VsockID  string `json:"vsock_id"`
	GuestCID int    `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

// Logger configures the hypervisor's own log sink.
type Logger struct {
	LogPath string `json:"log_path"`
	Level   string `json:"level"`
}

// Metrics configures the hypervisor's metrics sink.
type Metrics struct {
	MetricsPath string `json:"metrics_path"`
}

// Mmds configures the microVM metadata service.
type Mmds struct {
	Version string `json:"version,omitempty"`
}

// Balloon configures the memory balloon device.
type Balloon struct {
	AmountMiB            int  `json:"amount_mib"`
	DeflateOnOOM         bool `json:"deflate_on_oom"`
	StatsPollingIntervalS int `json:"stats_polling_interval_s,omitempty"`
}

// VMConfig is the full configuration applied to a freshly-spawned
// hypervisor process, in the order the API must receive it: boot source,
// machine config, drives, network interfaces, vsock, logger/metrics,
// MMDS, balloon.
type VMConfig struct {
	BootSource  BootSource
	Machine     MachineConfig
	Drives      []Drive
	Interfaces  []NetworkInterface
	Vsock       *Vsock
	Logger      *Logger
	Metrics     *Metrics
	Mmds        *Mmds
	Balloon     *Balloon
}
