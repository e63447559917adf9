package channel

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"storepay/internal/config"
	"storepay/internal/model"
)

// UPIApp 支持的 UPI App：收款 VPA、Android 包名、iOS scheme
type UPIApp struct {
	Name           string
	VPA            string
	AndroidPackage string
	IOSScheme      string
}

// DirectLinkStrategy 生成 UPI 深链，金额为订单唯一金额
//
// 链接形式：
//
//	Android: intent://pay?<q>#Intent;scheme=upi;package=<pkg>;end;
//	iOS:     <scheme>://upi/pay?<q>
//	其它:    upi://pay?<q>
type DirectLinkStrategy struct {
	payeeName  string
	defaultVPA string
	currency   string
	apps       map[string]UPIApp
}

func NewDirectLinkStrategy(cfg config.UPIConfig, currency string) *DirectLinkStrategy {
	apps := make(map[string]UPIApp, len(cfg.Apps))
	for name, a := range cfg.Apps {
		apps[strings.ToLower(name)] = UPIApp{
			Name:           strings.ToLower(name),
			VPA:            a.VPA,
			AndroidPackage: a.AndroidPackage,
			IOSScheme:      a.IOSScheme,
		}
	}
	if currency == "" {
		currency = "INR"
	}
	return &DirectLinkStrategy{
		payeeName:  cfg.PayeeName,
		defaultVPA: cfg.DefaultVPA,
		currency:   currency,
		apps:       apps,
	}
}

func (s *DirectLinkStrategy) ID() string { return IDUPIDirect }

func (s *DirectLinkStrategy) Initiate(_ context.Context, order *model.Order, cc Context) (*ClientAction, error) {
	app, err := s.resolveApp(cc.App)
	if err != nil {
		return nil, err
	}

	vpa := app.VPA
	if vpa == "" {
		vpa = s.defaultVPA
	}
	if vpa == "" {
		return nil, fmt.Errorf("%w: no payee VPA configured", ErrChannelUnavailable)
	}

	query := s.query(vpa, order)
	return &ClientAction{Kind: KindExternalURI, URI: buildURI(app, cc.Platform, query)}, nil
}

func (s *DirectLinkStrategy) resolveApp(name string) (UPIApp, error) {
	if name == "" {
		return UPIApp{}, nil
	}
	app, ok := s.apps[strings.ToLower(name)]
	if !ok {
		return UPIApp{}, fmt.Errorf("%w: unknown UPI app %q", ErrChannelUnavailable, name)
	}
	return app, nil
}

// query 参数顺序固定为 pa, pn, am, cu, tn
func (s *DirectLinkStrategy) query(vpa string, order *model.Order) string {
	params := [][2]string{
		{"pa", vpa},
		{"pn", s.payeeName},
		{"am", order.UniqueAmount.StringFixed(2)},
		{"cu", s.currency},
		{"tn", "Order " + order.OrderID},
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p[0]+"="+url.QueryEscape(p[1]))
	}
	return strings.Join(parts, "&")
}

// buildURI 按平台能力选择链接形式，无法确定时回落到通用 upi://
func buildURI(app UPIApp, platform, query string) string {
	switch strings.ToLower(platform) {
	case PlatformAndroid:
		if app.AndroidPackage != "" {
			return fmt.Sprintf("intent://pay?%s#Intent;scheme=upi;package=%s;end;", query, app.AndroidPackage)
		}
	case PlatformIOS:
		if app.IOSScheme != "" {
			return fmt.Sprintf("%s://upi/pay?%s", app.IOSScheme, query)
		}
	}
	return "upi://pay?" + query
}

// Apps 已配置的 UPI App 名称
func (s *DirectLinkStrategy) Apps() []string {
	names := make([]string, 0, len(s.apps))
	for name := range s.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
