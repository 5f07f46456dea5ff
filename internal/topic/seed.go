package topic

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// seedTopic is one entry of the built-in vocabulary. Examples are folded
// into the embedding text alongside the description to sharpen semantic
// matching; they are topic-level text, never individual event content.
type seedTopic struct {
	name        string
	description string
	examples    []string
}

var seedVocabulary = []seedTopic{
	{
		name:        "security",
		description: "Security-related events including authentication, authorization, and security updates",
		examples: []string{
			"Failed login attempt for user admin from IP 192.168.1.100",
			"Firewall blocked outbound connection to suspicious IP",
			"User account locked after 5 failed login attempts",
		},
	},
	{
		name:        "system_startup",
		description: "System startup, boot, and initialization events",
		examples: []string{
			"System boot completed successfully",
			"Boot loader loaded kernel image",
			"Startup services initialized successfully",
		},
	},
	{
		name:        "system_shutdown",
		description: "System shutdown, restart, and power-off events",
		examples: []string{
			"System shutdown initiated by administrator",
			"Clean system shutdown completed",
			"Unexpected shutdown detected during recovery",
		},
	},
	{
		name:        "service_operations",
		description: "Service start, stop, pause, and configuration events",
		examples: []string{
			"Windows Update service started successfully",
			"Print Spooler service paused by user",
			"Remote Desktop service configuration changed",
		},
	},
	{
		name:        "application_lifecycle",
		description: "Application start, stop, crash, and update events",
		examples: []string{
			"Microsoft Word started by user",
			"Notepad.exe terminated unexpectedly",
			"Microsoft Teams installation completed successfully",
		},
	},
	{
		name:        "network_activity",
		description: "Network connections, disconnections, and communication events",
		examples: []string{
			"Network adapter disconnected from wireless network",
			"DNS resolution failed for hostname server.local",
			"VPN connection established to corporate network",
		},
	},
	{
		name:        "driver_operations",
		description: "Device driver installation, updates, and issues",
		examples: []string{
			"Graphics driver updated to version 472.33",
			"USB driver failed to load for device VID_1234",
			"Printer driver successfully installed for HP LaserJet",
		},
	},
	{
		name:        "hardware_events",
		description: "Hardware-related events including device connections and errors",
		examples: []string{
			"New USB device detected: Kingston DataTraveler",
			"CPU temperature exceeds normal threshold at 85C",
			"Hard disk S.M.A.R.T. warning on drive C:",
		},
	},
	{
		name:        "updates",
		description: "System and application update events",
		examples: []string{
			"Windows Update installed 3 critical updates",
			"Feature update to Windows 10 21H2 pending restart",
			"System firmware update available from manufacturer",
		},
	},
	{
		name:        "user_sessions",
		description: "User login, logout, and session-related events",
		examples: []string{
			"User John logged in successfully",
			"Remote desktop session established for administrator",
			"User session timed out after 30 minutes of inactivity",
		},
	},
	{
		name:        "disk_activity",
		description: "Disk operations, errors, and storage-related events",
		examples: []string{
			"Disk cleanup freed 2.5GB of storage space",
			"Disk error detected on sector 234813 of drive D:",
			"Volume shadow copy created for backup",
		},
	},
	{
		name:        "performance_issues",
		description: "Performance bottlenecks, resource usage, and optimization events",
		examples: []string{
			"Memory usage at 92% due to application Chrome.exe",
			"CPU throttling engaged due to thermal constraints",
			"System responsiveness degraded due to background processes",
		},
	},
	{
		name:        "system_errors",
		description: "Critical system errors and failures",
		examples: []string{
			"Blue Screen of Death occurred with stop code MEMORY_MANAGEMENT",
			"Registry corruption detected in HKLM SOFTWARE hive",
			"Critical service winlogon.exe failed to initialize",
		},
	},
	{
		name:        "application_errors",
		description: "Application crashes, hangs, and errors",
		examples: []string{
			"Application Microsoft Word crashed with error code 0x0000142",
			"Excel.exe stopped responding while processing large dataset",
			"Chrome browser reported memory error in tab process",
		},
	},
	{
		name:        "maintenance",
		description: "System maintenance and cleanup activities",
		examples: []string{
			"Scheduled maintenance started: disk defragmentation",
			"System restore point created before updates",
			"Temporary files cleanup completed successfully",
		},
	},
}

// Seed installs the built-in vocabulary into an empty store. A store that
// already holds topics is left untouched so an operator-curated vocabulary
// never gets re-seeded underneath them.
func (s *Store) Seed(ctx context.Context) error {
	n, err := s.Count(ctx)
	if err != nil {
		return fmt.Errorf("count topics: %w", err)
	}
	if n > 0 {
		return nil
	}
	for _, t := range seedVocabulary {
		// Bypass the similarity-reuse check: related seed topics must not
		// collapse into each other.
		desc := t.description + ". " + strings.Join(t.examples, " ")
		if _, err := s.create(ctx, t.name, desc, false); err != nil {
			return fmt.Errorf("seed topic %q: %w", t.name, err)
		}
	}
	slog.Info("seeded topic vocabulary", "topics", len(seedVocabulary))
	return nil
}
