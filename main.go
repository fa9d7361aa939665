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
/*
	cellvm: a virtual machine that migrates static methods to simulated
	co-processor units with their own local store, DMA engine and mailboxes

*/
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/launix-de/cellvm/outofline"
	"github.com/launix-de/cellvm/vm"
)

// workaround for flags package to allow multiple values
type arrayFlags []string

func (i *arrayFlags) String() string {
	return "dummy"
}

func (i *arrayFlags) Set(value string) error {
	*i = append(*i, value)
	return nil
}

// watchImage reinstalls the boot image on every unit whenever the file
// changes.
func watchImage(v *vm.VM, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				// flush all other events
				for {
					time.Sleep(10 * time.Millisecond) // delay a bit, so we don't read half written files
					select {
					case <-watcher.Events:
						continue
					default:
					}
					break
				}
				img, err := outofline.Load(path)
				if err != nil {
					fmt.Println("reloading boot image:", err)
				} else if err := v.ReloadImage(img); err != nil {
					fmt.Println("installing boot image:", err)
				} else {
					fmt.Println("boot image", img.ID, "installed")
				}
				watcher.Add(path) // editors rename, so we have to rewatch
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fmt.Println("watch:", err)
			}
		}
	}()
	return watcher.Add(path)
}

func main() {
	fmt.Print(`cellvm Copyright (C) 2026   Carl-Philip Hänsch
    This program comes with ABSOLUTELY NO WARRANTY;
    This is free software, and you are welcome to redistribute it
    under certain conditions;

`)

	// init random generator for UUIDs
	uuid.SetRand(rand.Reader)

	var commands arrayFlags
	flag.Var(&commands, "c", "Execute REPL command (repeatable)")
	var sets arrayFlags
	flag.Var(&sets, "set", "Change a setting, e.g. -set ObjectCache=64KiB (repeatable)")
	flag.IntVar(&vm.Settings.Units, "units", vm.Settings.Units, "Number of co-processor units")
	flag.StringVar(&vm.Settings.Image, "image", "", "Boot image file (.img, .img.lz4, .img.xz); watched for changes")
	flag.BoolVar(&vm.Settings.Trace, "trace", false, "Write a chrome://tracing file of unit activity")
	flag.StringVar(&vm.Settings.TraceDir, "tracedir", ".", "Folder for trace files")
	flag.BoolVar(&vm.Settings.Verbose, "v", false, "Verbose unit and migration logging")
	monitor := ""
	flag.StringVar(&monitor, "monitor", "", "Serve stats and console on this address, e.g. :4321")
	writeImage := ""
	flag.StringVar(&writeImage, "write-image", "", "Generate a boot image for the configured layout, save it and exit")
	profile := ""
	flag.StringVar(&profile, "profile", "", "Write a CPU profile")
	flag.Parse()

	for _, s := range sets {
		name, value, ok := strings.Cut(s, "=")
		if !ok {
			fmt.Println("-set needs NAME=VALUE, got", s)
			os.Exit(2)
		}
		if _, err := vm.ChangeSettings(name, value); err != nil {
			fmt.Println(err)
			os.Exit(2)
		}
	}
	if err := vm.InitSettings(); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	if writeImage != "" {
		img, err := outofline.Build(vm.Settings.Layout())
		if err == nil {
			err = outofline.Save(writeImage, img)
		}
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		fmt.Println("boot image", img.ID, "written to", writeImage)
		return
	}

	if profile != "" {
		f, err := os.Create(profile)
		if err != nil {
			panic(err)
		}
		defer f.Close()
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	fmt.Println("booting", vm.Settings.Units, "units ...")
	v, err := vm.Boot(vm.Settings, os.Stdout)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if vm.Settings.Image != "" {
		path, _ := filepath.Abs(vm.Settings.Image)
		if err := watchImage(v, path); err != nil {
			fmt.Println("watch:", err)
		}
	}
	if monitor != "" {
		vm.NewMonitor(v).Listen(monitor)
		fmt.Println("monitor listening on", monitor)
	}

	// install exit handler
	cancelChan := make(chan os.Signal, 1)
	signal.Notify(cancelChan, syscall.SIGTERM, syscall.SIGINT)
	go (func() {
		<-cancelChan
		exitroutine(v)
		os.Exit(1)
	})()

	r := &repl{vm: v, out: os.Stdout}
	for _, c := range commands {
		fmt.Println("Executing " + c + " ...")
		r.exec(c)
	}
	fmt.Print(`

    Type help to show help

`)
	r.run()

	// normal shutdown
	exitroutine(v)
}

func exitroutine(v *vm.VM) {
	fmt.Println("Exit procedure...")
	if replInstance != nil {
		// in case it dosen't exit properly
		replInstance.Close()
	}
	fmt.Println("stopping units...")
	v.Shutdown()
	fmt.Println("Exit procedure finished")
}
