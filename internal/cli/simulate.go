package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"route-deal-alerts/internal/app"
)

var (
	simulateRoute    string
	simulatePrice    float64
	simulateCurrency string
	simulateSources  []float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一次报价，输出分析结论与告警决策（不写入）",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRoute == "" {
			return errors.New("--route 必须提供")
		}
		if simulatePrice <= 0 && len(simulateSources) == 0 {
			return errors.New("--price 或 --source 至少提供一个")
		}

		opts := app.SimulateOptions{
			RouteKey: simulateRoute,
			Currency: simulateCurrency,
		}
		if simulatePrice > 0 {
			opts.Price = decimal.NewFromFloat(simulatePrice)
		}
		for _, p := range simulateSources {
			opts.Sources = append(opts.Sources, decimal.NewFromFloat(p))
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateRoute, "route", "", "航线 key，例如 IST-JFK")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 0, "候选价格")
	simulateCmd.Flags().StringVar(&simulateCurrency, "currency", "", "币种（默认基准币种）")
	simulateCmd.Flags().Float64SliceVar(&simulateSources, "source", nil, "各数据源报价，可重复")
}
