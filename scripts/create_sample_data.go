package main

import (
	"flag"
	"log"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"qsim/internal/market/kline"
)

// 生成几何布朗运动K线, 用于本地试用回测和优化接口
func main() {
	var (
		out      = flag.String("out", "data/sample_1h.parquet", "输出文件")
		symbol   = flag.String("symbol", "BTCUSDT", "交易对")
		interval = flag.String("interval", "1h", "K线周期")
		bars     = flag.Int("bars", 2000, "K线数量")
		start    = flag.Float64("start", 30000, "起始价格")
		drift    = flag.Float64("drift", 0.0001, "每根K线的漂移")
		vol      = flag.Float64("vol", 0.01, "每根K线的波动率")
		seed     = flag.Int64("seed", 42, "随机种子")
	)
	flag.Parse()

	// 未知周期按日线处理
	step := kline.GetIntervalDuration(kline.Interval(*interval))
	sigma := *vol

	rng := rand.New(rand.NewSource(*seed))
	openTime := time.Now().UTC().Truncate(step).Add(-time.Duration(*bars) * step)
	price := *start
	series := make([]kline.Kline, 0, *bars)
	for i := 0; i < *bars; i++ {
		open := price
		price *= math.Exp(*drift - sigma*sigma/2 + sigma*rng.NormFloat64())
		wick := math.Abs(rng.NormFloat64()) * sigma / 2
		series = append(series, kline.Kline{
			OpenTime: openTime.Add(time.Duration(i) * step),
			Open:     open,
			High:     math.Max(open, price) * (1 + wick),
			Low:      math.Min(open, price) * (1 - wick),
			Close:    price,
			Volume:   100 + rng.Float64()*900,
		})
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatalf("创建目录失败: %v", err)
	}
	if err := kline.WriteParquet(*out, kline.NewSeries(*symbol, kline.Interval(*interval), series)); err != nil {
		log.Fatalf("写入parquet失败: %v", err)
	}
	log.Printf("已生成 %d 根K线: %s (收盘价 %.2f)", *bars, *out, price)
}
