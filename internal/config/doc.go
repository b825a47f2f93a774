// Package config provides loading and environment overlay for orchq
// configuration. It exposes a Default() baseline, a YAML/JSON file loader
// and an ORCHQ_* environment overlay.
//
// Example:
//
//	cfg, err := config.Load("/etc/orchq.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(ctx, runtime.Options{Config: cfg})
//	defer rt.Close()
package config
