// Command pwmctl drives hybrid PWM outputs on an MCU, or simulates one.
package main

import "hybridpwm/host/cmd/pwmctl/cmd"

func main() {
	cmd.Execute()
}
