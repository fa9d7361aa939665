/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package vm

import (
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/launix-de/cellvm/localmem"
	"github.com/launix-de/cellvm/subarch"
)

type SettingsT struct {
	Units            int
	MemorySize       int64 // main memory in bytes
	JtocExtent       int32 // bytes on each side of the jtoc middle
	CodeCache        int64
	ObjectCache      int64
	StaticsCache     int64
	TibCache         int64
	MaxWordParams    int
	MaxFloatParams   int
	MaxCallDepth     int
	DMALatency       int
	PollInterval     time.Duration
	MigrationTimeout time.Duration // 0 = wait forever
	Image            string        // boot image file, empty = generate
	Trace            bool
	TraceDir         string
	Verbose          bool
}

var Settings SettingsT = SettingsT{2, 16 << 20, 0x800, 0xD000, 0x20000, 0x4000, 0x3000, 4, 4, 64, 2, time.Millisecond, 10 * time.Second, "", false, ".", false}

// call this after you filled Settings
func InitSettings() error {
	if Settings.Units <= 0 {
		return fmt.Errorf("Units must be positive, got %d", Settings.Units)
	}
	if Settings.MemorySize <= 0 || Settings.MemorySize > 1<<32-1 {
		return fmt.Errorf("MemorySize %s out of range", units.BytesSize(float64(Settings.MemorySize)))
	}
	if !Settings.Layout().Valid() {
		return fmt.Errorf("cache sizes %s/%s/%s/%s do not fit the local store",
			units.BytesSize(float64(Settings.CodeCache)), units.BytesSize(float64(Settings.ObjectCache)),
			units.BytesSize(float64(Settings.StaticsCache)), units.BytesSize(float64(Settings.TibCache)))
	}
	return nil
}

// Layout is the local store map for the configured cache sizes.
func (s SettingsT) Layout() localmem.Layout {
	return localmem.NewLayout(uint32(s.CodeCache), uint32(s.ObjectCache), uint32(s.StaticsCache), uint32(s.TibCache))
}

// UnitConfig is the unit configuration for these settings.
func (s SettingsT) UnitConfig() subarch.Config {
	cfg := subarch.DefaultConfig()
	cfg.Layout = s.Layout()
	cfg.MaxWordParams = s.MaxWordParams
	cfg.MaxFloatParams = s.MaxFloatParams
	cfg.MaxCallDepth = s.MaxCallDepth
	cfg.DMALatency = s.DMALatency
	cfg.Verbose = s.Verbose
	return cfg
}

var settingNames = []string{
	"Units", "MemorySize", "JtocExtent", "CodeCache", "ObjectCache", "StaticsCache", "TibCache",
	"MaxWordParams", "MaxFloatParams", "MaxCallDepth", "DMALatency", "PollInterval",
	"MigrationTimeout", "Image", "Trace", "TraceDir", "Verbose",
}

func size(v int64) string {
	return units.BytesSize(float64(v))
}

func getSetting(name string) (string, error) {
	s := Settings
	switch name {
	case "Units":
		return strconv.Itoa(s.Units), nil
	case "MemorySize":
		return size(s.MemorySize), nil
	case "JtocExtent":
		return strconv.Itoa(int(s.JtocExtent)), nil
	case "CodeCache":
		return size(s.CodeCache), nil
	case "ObjectCache":
		return size(s.ObjectCache), nil
	case "StaticsCache":
		return size(s.StaticsCache), nil
	case "TibCache":
		return size(s.TibCache), nil
	case "MaxWordParams":
		return strconv.Itoa(s.MaxWordParams), nil
	case "MaxFloatParams":
		return strconv.Itoa(s.MaxFloatParams), nil
	case "MaxCallDepth":
		return strconv.Itoa(s.MaxCallDepth), nil
	case "DMALatency":
		return strconv.Itoa(s.DMALatency), nil
	case "PollInterval":
		return s.PollInterval.String(), nil
	case "MigrationTimeout":
		return s.MigrationTimeout.String(), nil
	case "Image":
		return s.Image, nil
	case "Trace":
		return strconv.FormatBool(s.Trace), nil
	case "TraceDir":
		return s.TraceDir, nil
	case "Verbose":
		return strconv.FormatBool(s.Verbose), nil
	}
	return "", fmt.Errorf("unknown setting: %s", name)
}

func setSetting(name, value string) error {
	var err error
	s := &Settings
	switch name {
	case "Units":
		s.Units, err = strconv.Atoi(value)
	case "MemorySize":
		s.MemorySize, err = units.RAMInBytes(value)
	case "JtocExtent":
		var v int64
		v, err = units.RAMInBytes(value)
		s.JtocExtent = int32(v)
	case "CodeCache":
		s.CodeCache, err = units.RAMInBytes(value)
	case "ObjectCache":
		s.ObjectCache, err = units.RAMInBytes(value)
	case "StaticsCache":
		s.StaticsCache, err = units.RAMInBytes(value)
	case "TibCache":
		s.TibCache, err = units.RAMInBytes(value)
	case "MaxWordParams":
		s.MaxWordParams, err = strconv.Atoi(value)
	case "MaxFloatParams":
		s.MaxFloatParams, err = strconv.Atoi(value)
	case "MaxCallDepth":
		s.MaxCallDepth, err = strconv.Atoi(value)
	case "DMALatency":
		s.DMALatency, err = strconv.Atoi(value)
	case "PollInterval":
		s.PollInterval, err = time.ParseDuration(value)
	case "MigrationTimeout":
		s.MigrationTimeout, err = time.ParseDuration(value)
	case "Image":
		s.Image = value
	case "Trace":
		s.Trace, err = strconv.ParseBool(value)
	case "TraceDir":
		s.TraceDir = value
	case "Verbose":
		s.Verbose, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown setting: %s", name)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// ChangeSettings lists all settings without arguments, reads one with a
// name and sets one with a name and a value. Sizes take human readable
// values like 128KiB. Changes apply to the next Boot.
func ChangeSettings(a ...string) ([]string, error) {
	switch len(a) {
	case 0:
		result := make([]string, 0, 2*len(settingNames))
		for _, n := range settingNames {
			v, _ := getSetting(n)
			result = append(result, n, v)
		}
		return result, nil
	case 1:
		v, err := getSetting(a[0])
		if err != nil {
			return nil, err
		}
		return []string{v}, nil
	}
	old := Settings
	if err := setSetting(a[0], a[1]); err != nil {
		Settings = old
		return nil, err
	}
	if err := InitSettings(); err != nil {
		Settings = old
		return nil, err
	}
	return []string{a[0], a[1]}, nil
}
