package parser

import (
	"fmt"
	"strings"

	"github.com/user/logsift/internal/types"
)

// DefaultRules returns the built-in ruleset for Windows event log providers.
// Ordering within a provider is explicit via Priority: narrow patterns sit
// below 100, catch-alls at 100.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "application-error",
			Provider: "Application Error",
			Priority: 10,
			Pattern: `Faulting application name: (?P<app_name>[\w\.]+), .*` +
				`Faulting module name: (?P<module_name>[\w\.]+), .*` +
				`Exception code: (?P<error_code>0x[0-9a-fA-F]+)`,
			EventType: types.EventApplicationCrash,
			FieldMap: map[string]string{
				"app_name":   "app_name",
				"error_code": "operation_code",
			},
			Summarize: func(g map[string]string) string {
				return fmt.Sprintf("Application %s crashed in module %s (exception %s)",
					g["app_name"], g["module_name"], g["error_code"])
			},
		},
		{
			Name:     "service-control",
			Provider: "Service Control Manager",
			Priority: 10,
			Pattern: `(?:The )?(?P<service_name>[^%\s]+)(?:.*?service entered the )(?P<state>\w+)(?:.*)` +
				`|\s*(?P<service_name_alt>[^%\s]+)(?:\s+)(?P<action>\w+\s+\w+)(?:\s+)(?P<details>.*)`,
			EventType: types.EventService,
			FieldMap: map[string]string{
				"state": "status",
			},
			Summarize: summarizeService,
		},
		{
			Name:     "kernel-power",
			Provider: "Microsoft-Windows-Kernel-Power",
			Priority: 10,
			Pattern: `(?P<sleep_msg>The system is (?:entering|exiting) sleep)` +
				`|(?:Sleep|Hibernate) Time: (?P<sleep_time>.*)` +
				`|Shutdown reason: (?P<shutdown_reason>.*)` +
				`|(?P<message>.*)`,
			EventType: types.EventPower,
			Summarize: summarizePower,
			Subtype:   powerSubtype,
		},
		{
			Name:     "kernel-general",
			Provider: "Microsoft-Windows-Kernel-General",
			Priority: 10,
			Pattern:   `(?P<code>\d+)\s+(?P<file_path>\\[^\\].*)\s+(?P<param1>\d+)\s+(?P<param2>\d+)`,
			EventType: types.EventFileSystem,
			FieldMap: map[string]string{
				"file_path": "file_path",
				"code":      "operation_code",
			},
			Summarize: func(g map[string]string) string {
				return fmt.Sprintf("File system operation: Code %s on %s (params: %s, %s)",
					g["code"], g["file_path"], g["param1"], g["param2"])
			},
		},
		{
			Name:     "dcom-activation",
			Provider: "DCOM",
			Priority: 10,
			Pattern: `(?P<error_type>application-specific) (?P<action>Local Activation) (?P<clsid>\{[A-F0-9-]+\}) (?P<app_id>\{[A-F0-9-]+\}) ` +
				`(?P<computer_name>\S+) (?P<user_name>\S+) (?P<sid>S-\d+-\d+(?:-\d+)*) (?P<client_info>.*?) (?P<app_name>.*?) (?P<status>.*)`,
			EventType: types.EventDCOM,
			FieldMap: map[string]string{
				"app_name": "app_name",
				"status":   "status",
			},
			Summarize: func(g map[string]string) string {
				return fmt.Sprintf("DCOM %s %s: %s (%s)",
					g["error_type"], g["action"], g["app_name"], g["status"])
			},
		},
		genericRule("win32k-generic", "Win32k"),
		genericRule("tpm-generic", "TPM"),
		genericRule("isolated-user-mode-generic", "Microsoft-Windows-IsolatedUserMode"),
	}
}

// genericRule is a catch-all for providers whose messages carry no
// extractable structure beyond the text itself.
func genericRule(name, provider string) Rule {
	return Rule{
		Name:      name,
		Provider:  provider,
		Priority:  100,
		Pattern:   `(?P<message>.*)`,
		EventType: types.EventSystem,
		Summarize: func(g map[string]string) string {
			return "System event: " + g["message"]
		},
	}
}

func summarizeService(g map[string]string) string {
	name := g["service_name"]
	if name == "" {
		name = g["service_name_alt"]
	}
	if name == "" {
		name = "Unknown service"
	}
	switch {
	case g["state"] != "":
		return fmt.Sprintf("Service '%s' entered the %s state", name, g["state"])
	case g["action"] != "":
		s := fmt.Sprintf("Service '%s' %s", name, g["action"])
		if g["details"] != "" {
			s += ": " + g["details"]
		}
		return s
	default:
		return fmt.Sprintf("Service '%s' event", name)
	}
}

func summarizePower(g map[string]string) string {
	switch {
	case g["sleep_time"] != "":
		return "System sleep time: " + strings.TrimSpace(g["sleep_time"])
	case strings.Contains(g["sleep_msg"], "entering"):
		return "System is entering sleep state"
	case strings.Contains(g["sleep_msg"], "exiting"):
		return "System is exiting sleep state"
	case g["shutdown_reason"] != "":
		return "System shutdown: " + strings.TrimSpace(g["shutdown_reason"])
	default:
		return "Power event: " + g["message"]
	}
}

// powerSubtype mirrors summarizePower's branches for the event subtype.
func powerSubtype(g map[string]string) string {
	switch {
	case g["sleep_time"] != "", g["sleep_msg"] != "":
		return "sleep_event"
	case g["shutdown_reason"] != "":
		return "shutdown_event"
	default:
		return "power_transition"
	}
}
