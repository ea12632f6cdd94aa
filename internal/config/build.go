package config

import (
	"context"

	"daqcore/internal/hal"
	"daqcore/internal/halerr"
)

// BuildRegistry constructs a hal.Registry from cfg's device entries,
// registers each with its declared capabilities, and connects all of them
// concurrently (hal.Registry.ConnectAll). A device that fails to connect is
// left Faulted rather than aborting startup for the rest — the same
// per-device isolation ConnectAll itself provides.
func BuildRegistry(ctx context.Context, cfg *Config) (*hal.Registry, map[string]error, error) {
	reg := hal.NewRegistry()
	for _, d := range cfg.Devices {
		caps := make([]hal.Capability, len(d.Capabilities))
		for i, c := range d.Capabilities {
			caps[i] = hal.Capability(c)
		}
		if _, err := reg.Add(hal.DeviceConfig{
			ID:             d.ID,
			DriverType:     d.Driver,
			BusKey:         d.BusKey,
			Declared:       caps,
			RequiresHoming: d.RequiresHoming,
			ConnectTimeout: d.ConnectTimeout,
			Connection:     d.Connection,
		}); err != nil {
			return nil, nil, halerr.Wrap(halerr.Config, d.ID, err)
		}
	}

	failures := reg.ConnectAll(ctx)

	for _, d := range cfg.Devices {
		if _, failed := failures[d.ID]; failed || len(d.ParametersDefaults) == 0 {
			continue
		}
		h, err := reg.Get(d.ID)
		if err != nil {
			continue
		}
		applyParameterDefaults(ctx, h, d.ParametersDefaults)
	}

	return reg, failures, nil
}

// applyParameterDefaults writes each configured default onto the device's
// matching Parameter, best-effort — an unknown or rejected default does
// not prevent the device from otherwise being usable.
func applyParameterDefaults(ctx context.Context, h *hal.Handle, defaults map[string]any) {
	params := h.Parameters()
	for name, value := range defaults {
		p, ok := params.Get(name)
		if !ok {
			continue
		}
		_ = p.WriteVariant(ctx, value)
	}
}
