package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/solarcharge/config"
	"github.com/kilianp07/solarcharge/core/gateway"
	"github.com/kilianp07/solarcharge/core/model"
	"github.com/kilianp07/solarcharge/infra/mqtt"
	"github.com/kilianp07/solarcharge/internal/eventbus"
)

var chargeTarget int

var chargeCmd = &cobra.Command{
	Use:   "charge",
	Short: "Send one-shot charge commands to the dongle",
}

var chargeEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable AC charging immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		if chargeTarget < model.MinTargetSOC || chargeTarget > model.MaxTargetSOC {
			return fmt.Errorf("target must be %d-%d, got %d", model.MinTargetSOC, model.MaxTargetSOC, chargeTarget)
		}
		return withGateway(func(gw *mqtt.DongleClient) error {
			if err := gw.SetSOCLimit(chargeTarget); err != nil {
				return err
			}
			if err := gw.EnableCharging(); err != nil {
				return err
			}
			fmt.Printf("charging enabled, target %d%%\n", chargeTarget)
			return nil
		})
	},
}

var chargeDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable AC charging immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withGateway(func(gw *mqtt.DongleClient) error {
			if err := gw.DisableCharging(); err != nil {
				return err
			}
			fmt.Println("charging disabled")
			return nil
		})
	},
}

func init() {
	chargeEnableCmd.Flags().IntVar(&chargeTarget, "target", 80, "target state of charge percent")
	chargeCmd.AddCommand(chargeEnableCmd, chargeDisableCmd)
	rootCmd.AddCommand(chargeCmd)
}

func withGateway(fn func(*mqtt.DongleClient) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	bus := eventbus.New[gateway.SOCUpdate]()
	defer bus.Close()
	gw, err := mqtt.NewDongleClient(cfg.MQTT, bus)
	if err != nil {
		return fmt.Errorf("mqtt client: %w", err)
	}
	defer gw.Close()
	return fn(gw)
}
