package counters

import (
	"fmt"
	"sort"
)

// presets are the built-in counter sets offered by "autoperf init".
var presets = map[string][]ID{
	"general": {
		"PAPI_TOT_CYC", "PAPI_L1_DCM", "PAPI_L2_DCM", "PAPI_BR_MSP",
		"PAPI_TLB_DM", "PAPI_RES_STL",
	},
	"cache": {
		"PAPI_L1_DCM", "PAPI_L1_ICM", "PAPI_L2_DCM", "PAPI_L2_ICM",
		"PAPI_L3_TCM", "PAPI_L1_LDM", "PAPI_L1_STM",
	},
	"branch": {
		"PAPI_BR_INS", "PAPI_BR_MSP", "PAPI_BR_TKN", "PAPI_BR_NTK",
		"PAPI_BR_CN",
	},
	"memory": {
		"PAPI_LD_INS", "PAPI_SR_INS", "PAPI_TLB_DM", "PAPI_TLB_IM",
		"PAPI_MEM_WCY", "PAPI_RES_STL",
	},
}

// Preset returns a copy of the named built-in counter set. An empty name
// selects "general".
func Preset(name string) ([]ID, error) {
	if name == "" {
		name = "general"
	}
	ids, ok := presets[name]
	if !ok {
		return nil, fmt.Errorf("unknown preset %q: valid presets are %v", name, PresetNames())
	}
	return append([]ID(nil), ids...), nil
}

// PresetNames lists the built-in preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
