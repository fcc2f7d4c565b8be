package config

import "strings"

// Brand describes a bike manufacturer the normalizer can recognise
type Brand struct {
	Name    string   `toml:"name" json:"name"`
	Aliases []string `toml:"aliases" json:"aliases"`
	Models  []string `toml:"models" json:"models"`
	Tier    int      `toml:"tier" json:"tier"`
}

// DefaultTier is used for brands that are not in the catalog
const DefaultTier = 3

// DefaultBrands is the built-in brand catalog. Order matters: the first brand
// with a matching alias wins.
var DefaultBrands = []Brand{
	{
		Name:    "Santa Cruz",
		Aliases: []string{"santa cruz", "santa-cruz", "santacruz", "sc bikes"},
		Models:  []string{"Nomad", "Bronson", "Megatower", "Hightower", "5010", "Tallboy", "V10", "Heckler", "Blur"},
		Tier:    1,
	},
	{
		Name:    "YT",
		Aliases: []string{"yt industries", "yt-industries", "yt"},
		Models:  []string{"Capra", "Jeffsy", "Tues", "Decoy", "Izzo"},
		Tier:    1,
	},
	{
		Name:    "Specialized",
		Aliases: []string{"specialized", "s-works", "sworks"},
		Models:  []string{"Stumpjumper Evo", "Stumpjumper", "Enduro", "Demo", "Epic", "Turbo Levo", "Levo", "Kenevo", "Status"},
		Tier:    1,
	},
	{
		Name:    "Canyon",
		Aliases: []string{"canyon"},
		Models:  []string{"Torque", "Spectral", "Strive", "Neuron", "Lux", "Grand Canyon", "Sender", "Exceed"},
		Tier:    1,
	},
	{
		Name:    "Trek",
		Aliases: []string{"trek"},
		Models:  []string{"Slash", "Fuel EX", "Remedy", "Session", "Top Fuel", "Rail", "Marlin"},
		Tier:    1,
	},
	{
		Name:    "Scott",
		Aliases: []string{"scott"},
		Models:  []string{"Spark", "Genius", "Ransom", "Gambler", "Scale"},
		Tier:    1,
	},
	{
		Name:    "Pivot",
		Aliases: []string{"pivot"},
		Models:  []string{"Firebird", "Switchblade", "Mach 4", "Mach 6", "Shadowcat", "Trail 429"},
		Tier:    1,
	},
	{Name: "Yeti", Aliases: []string{"yeti cycles", "yeti"}, Models: []string{"SB130", "SB140", "SB150", "SB160"}, Tier: 1},
	{Name: "Propain", Aliases: []string{"propain"}, Models: []string{"Tyee", "Spindrift", "Hugene", "Rage"}, Tier: 2},
	{Name: "Commencal", Aliases: []string{"commencal"}, Models: []string{"Meta", "Clash", "Supreme"}, Tier: 2},
	{Name: "Transition", Aliases: []string{"transition"}, Models: []string{"Spire", "Sentinel", "Patrol", "Smuggler"}, Tier: 2},
	{Name: "Evil", Aliases: []string{"evil bikes", "evil"}, Models: []string{"Offering", "Following", "Wreckoning"}, Tier: 2},
	{Name: "Intense", Aliases: []string{"intense"}, Models: []string{"Tracer", "Primer", "M29"}, Tier: 2},
	{Name: "Giant", Aliases: []string{"giant"}, Models: []string{"Reign", "Trance", "Anthem", "Talon"}, Tier: 2},
	{Name: "Cube", Aliases: []string{"cube"}, Models: []string{"Stereo", "Reaction", "AMS", "Two15"}, Tier: 2},
	{Name: "Rose", Aliases: []string{"rosebikes", "rose"}, Models: []string{"Root Miller", "Ground Control", "Thrill Hill"}, Tier: 2},
	{Name: "Ghost", Aliases: []string{"ghost"}, Models: []string{"Riot", "Lector", "Kato"}, Tier: 3},
	{Name: "Bulls", Aliases: []string{"bulls"}, Models: []string{"Copperhead", "Sonic"}, Tier: 3},
}

// GetBrandNames returns the canonical names of the given brands
func GetBrandNames(brands []Brand) []string {
	names := make([]string, len(brands))
	for i, b := range brands {
		names[i] = b.Name
	}
	return names
}

// GetBrandByName looks a brand up by canonical name, case-insensitively
func GetBrandByName(brands []Brand, name string) *Brand {
	for i := range brands {
		if strings.EqualFold(brands[i].Name, name) {
			return &brands[i]
		}
	}
	return nil
}

// TierFor returns the catalog tier for a brand, or DefaultTier when unknown
func TierFor(brands []Brand, name string) int {
	if b := GetBrandByName(brands, name); b != nil && b.Tier >= 1 && b.Tier <= 3 {
		return b.Tier
	}
	return DefaultTier
}
