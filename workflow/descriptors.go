package workflow

import "github.com/olavnet/olav/router"

// Graph names, frozen at startup.
const (
	WorkflowQuery     = "query"
	WorkflowExecute   = "execute"
	WorkflowInventory = "inventory"
	WorkflowDeepDive  = "deep_dive"
)

// Descriptors returns the routable workflow set in registration order. The
// router embeds each descriptor's example centroid once at startup.
func Descriptors() []router.Descriptor {
	return []router.Descriptor{
		{
			Name:    WorkflowQuery,
			Purpose: "answer read-only diagnostic questions about network state",
			Examples: []string{
				"show interface status on r1",
				"what are the bgp neighbors of the core routers",
				"is ospf up between r2 and r3",
				"list devices with high cpu",
			},
			Keywords: []string{"show", "what", "list", "status", "check"},
		},
		{
			Name:    WorkflowExecute,
			Purpose: "plan and apply a configuration change to a device, with approval",
			Examples: []string{
				"set the mtu on r1 gi0/1 to 9000",
				"shutdown interface gi0/2 on r3",
				"change the description on eth0",
				"configure a new loopback on the edge router",
			},
			Keywords: []string{"set", "change", "configure", "apply", "shutdown", "enable", "disable"},
		},
		{
			Name:    WorkflowInventory,
			Purpose: "read or modify the inventory of record for devices and sites",
			Examples: []string{
				"add a new device r9 to the inventory",
				"update the site of switch sw-12",
				"remove the decommissioned firewall from inventory",
				"which devices are registered at site ams-1",
			},
			Keywords: []string{"inventory", "add", "register", "remove", "decommission"},
		},
		{
			Name:    WorkflowDeepDive,
			Purpose: "investigate a complex incident across devices with a reviewed plan",
			Examples: []string{
				"why is traffic dropping between the two sites",
				"audit mpls ldp on all border routers",
				"investigate the root cause of the bgp flaps last night",
				"deep dive into the packet loss on the backbone",
			},
			Keywords: []string{"why", "investigate", "audit", "root cause", "deep dive"},
		},
	}
}
