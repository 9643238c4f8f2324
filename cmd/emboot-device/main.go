//go:build tinygo

package main

// WARNING: compile with -scheduler=tasks set, same as the teacher firmware.

import (
	"log/slog"
	"machine"
	"time"

	"github.com/openenterprise/emboot/config"
	"github.com/openenterprise/emboot/credentials"
	"github.com/openenterprise/emboot/internal/download"
	"github.com/openenterprise/emboot/internal/emboot"
	"github.com/openenterprise/emboot/internal/partition"
	"github.com/openenterprise/emboot/telemetry"
	"github.com/openenterprise/emboot/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

// Flash layout: four logical partitions carved out of the same NOR
// device the bootloader itself lives in. Offsets/sizes are placeholder
// defaults for a 4MB device; production images set these to match the
// linker script, the way the teacher's ota package hardcodes partition
// A/B offsets.
const (
	runAppOffset = 0x00100000
	runAppSize   = 0x00080000
	backupOffset = 0x00180000
	backupSize   = 0x00080000
	decodeOffset = 0x00200000
	decodeSize   = 0x00080000
	updateOffset = 0x00280000
	updateSize   = 0x00004000
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

func fatalError(msg string) {
	println(msg)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("watchdog timeout - forcing software reset...")
	hardReset()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	time.Sleep(2 * time.Second)
	println("========================================")
	println("  emboot device")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 8000})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	partitions := partition.NewSet(map[partition.Name]partition.Partition{
		partition.RunApp: partition.NewFlash(runAppOffset, runAppSize),
		partition.Backup: partition.NewFlash(backupOffset, backupSize),
		partition.Decode: partition.NewFlash(decodeOffset, decodeSize),
		partition.Update: partition.NewFlash(updateOffset, updateSize),
	})

	boot, err := emboot.New(emboot.Config{
		Partitions: partitions,
		RunAppSize: runAppSize,
		MaxTries:   config.MaxTries(),
		Log:        logger,
	})
	if err != nil {
		logger.Error("emboot:init-failed", slog.String("err", err.Error()))
		fatalError("emboot init failed - waiting for reset...")
	}

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "emboot",
			MaxTCPPorts: 2, // console + download
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}

	go loopForeverStack(cystack)

	if _, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{}); err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}

	stack := cystack.LnetoStack()

	if addr, ok := config.TelemetryCollector(); ok {
		if err := telemetry.Init(stack, logger, addr); err != nil {
			logger.Warn("telemetry:init-failed", slog.String("err", err.Error()))
		}
	}

	backupPart, _ := partition.Get(partitions, partition.Backup)
	dl := download.NewListener(stack, logger, config.DownloadPort(), download.NewPartitionDriver(backupPart), boot)
	go dl.Run()

	go consoleServer(stack, logger, boot, dl)

	runLoop(logger, boot)
}

// runLoop is the core update loop, mirroring original_source/emboot.c's
// emboot_core: step the state machine while busy, and once idle, wait
// config.IdleBootTimeout before auto-jumping unless update_stay holds
// at the prompt.
func runLoop(logger *slog.Logger, boot *emboot.Driver) {
	for {
		machine.Watchdog.Update()

		status, err := boot.Step()
		if err != nil {
			logger.Error("update:step-failed", slog.String("err", err.Error()))
		}

		switch status {
		case emboot.StatusBusy:
			continue
		case emboot.StatusDone:
			logger.Info("update:done")
		}

		time.Sleep(config.IdleBootTimeout())

		ok, err := boot.BootDecision()
		if err != nil {
			logger.Error("boot:decision-failed", slog.String("err", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		if ok {
			logger.Info("boot:jumping")
			jumpToRunApp()
		}
		time.Sleep(time.Second)
	}
}

func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		count++
		if count >= 100 {
			machine.Watchdog.Update()
			count = 0
		}
	}
}
