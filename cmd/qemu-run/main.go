// Command qemu-run documents and drives the out-of-scope boot path:
// launching a RISC-V QEMU instance with the kernel image and disk
// image the bootstrap assembly and SBI firmware expect. Actually
// building the kernel ELF that this command boots -- the linker
// script, entry.asm, and OpenSBI handoff -- is explicitly out of
// scope; this command only shells out to an already installed
// qemu-system-riscv64 as a thin host wrapper around the external
// toolchain.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
)

func main() {
	kernelELF := flag.String("kernel", "build/kernel.bin", "kernel image to boot")
	diskImage := flag.String("disk", "fs.img", "easy-fs disk image")
	memMB := flag.Int("mem", 128, "guest memory, in MiB")
	flag.Parse()

	args := []string{
		"-machine", "virt",
		"-nographic",
		"-bios", "default",
		"-device", "loader,file=" + *kernelELF + ",addr=0x80200000",
		"-drive", "file=" + *diskImage + ",if=none,format=raw,id=x0",
		"-device", "virtio-blk-device,drive=x0",
		"-m", fmt.Sprintf("%dM", *memMB),
	}

	cmd := exec.Command("qemu-system-riscv64", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "qemu-run: %v\n", err)
		os.Exit(1)
	}
}
