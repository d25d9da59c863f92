package module

// BuiltinBase returns the registry entry used when no base module directory
// exists on disk. Every other module implicitly depends on base, so a
// deployment that ships none would otherwise fail every load.
func BuiltinBase() *Info {
	return &Info{
		Name: BaseModule,
		Manifest: &Manifest{
			Name:     BaseModule,
			Version:  "1.0",
			Summary:  "Platform base module",
			Category: "Hidden",
			License:  "LGPL-3",
		},
		State: StateInstalled,
	}
}
