package camera

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// CameraListing は rpicam-hello --list-cameras の1台分の情報
type CameraListing struct {
	Index      int
	Properties Properties
	Modes      []SensorMode
}

var (
	listHeaderRe = regexp.MustCompile(`^\s*(\d+)\s*:\s*(\S+)\s*\[(\d+)x(\d+)[^\]]*\]\s*(?:\((.*)\))?`)
	listFormatRe = regexp.MustCompile(`'([A-Za-z0-9_]+)'\s*:`)
	listModeRe   = regexp.MustCompile(`(\d+)x(\d+)\s*\[\s*([\d.]+)\s*fps\s*-\s*([^\]]*?)\s*crop\s*\]`)
	bitDepthRe   = regexp.MustCompile(`[A-Z]+(\d+)`)
)

// ListCameras は rpicam-hello を実行して接続されたカメラを列挙する
func ListCameras(ctx context.Context, helloCommand string) ([]CameraListing, error) {
	cmd := exec.CommandContext(ctx, helloCommand, "--list-cameras")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("カメラ一覧の取得に失敗: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return ParseCameraList(string(output))
}

// ParseCameraList は --list-cameras の出力を解析する
//
//	0 : imx708 [4608x2592 10-bit RGGB] (/base/soc/i2c0mux/i2c@1/imx708@1a)
//	    Modes: 'SRGGB10_CSI2P' : 1536x864 [120.13 fps - (768, 432)/3072x1728 crop]
//	                             2304x1296 [56.03 fps - (0, 0)/4608x2592 crop]
func ParseCameraList(output string) ([]CameraListing, error) {
	var cameras []CameraListing
	var current *CameraListing
	format := ""

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if m := listHeaderRe.FindStringSubmatch(line); m != nil {
			idx, _ := strconv.Atoi(m[1])
			w, _ := strconv.Atoi(m[3])
			h, _ := strconv.Atoi(m[4])
			cameras = append(cameras, CameraListing{
				Index: idx,
				Properties: Properties{
					Model:          m[2],
					PixelArraySize: Size{Width: w, Height: h},
					Location:       m[5],
				},
			})
			current = &cameras[len(cameras)-1]
			format = ""
			continue
		}

		if current == nil {
			continue
		}

		if m := listFormatRe.FindStringSubmatch(line); m != nil {
			format = m[1]
		}

		if format == "" {
			continue
		}

		for _, m := range listModeRe.FindAllStringSubmatch(line, -1) {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			fps, _ := strconv.ParseFloat(m[3], 64)
			current.Modes = append(current.Modes, SensorMode{
				Format:   format,
				Size:     Size{Width: w, Height: h},
				BitDepth: bitDepth(format),
				FPS:      fps,
				Crop:     m[4],
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("カメラ一覧の解析に失敗: %w", err)
	}

	if len(cameras) == 0 {
		return nil, fmt.Errorf("カメラが見つかりません")
	}
	return cameras, nil
}

// bitDepth はピクセルフォーマット名からビット深度を取り出す (SRGGB10_CSI2P → 10)
func bitDepth(format string) int {
	m := bitDepthRe.FindStringSubmatch(format)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
