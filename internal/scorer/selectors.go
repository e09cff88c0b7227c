package scorer

import "github.com/JakeFAU/pagespeed-audit/internal/audit"

// Selectors holds, per logical element, the lookup strategies tried in order.
// The first strategy that yields a usable element wins.
type Selectors struct {
	URLInput        []audit.Locator
	Submit          []audit.Locator
	MobileScore     []audit.Locator
	DesktopTab      []audit.Locator
	DesktopSelected []audit.Locator
	DesktopScore    []audit.Locator
}

// DefaultSelectors targets the PageSpeed Insights web UI.
func DefaultSelectors() Selectors {
	return Selectors{
		URLInput: []audit.Locator{
			css(audit.ElementURLInput, `input[name="url"]`),
			css(audit.ElementURLInput, `input[type="url"]`),
			xpath(audit.ElementURLInput, `//input[contains(@placeholder, "web page URL")]`),
		},
		Submit: []audit.Locator{
			css(audit.ElementSubmit, `button[type="submit"]`),
			xpath(audit.ElementSubmit, `//button[.//span[normalize-space()="Analyze"]]`),
		},
		MobileScore: []audit.Locator{
			css(audit.ElementMobileScore, `#mobile .lh-exp-gauge__percentage`),
			css(audit.ElementMobileScore, `[aria-labelledby="mobile_tab"] .lh-gauge__percentage`),
			js(audit.ElementMobileScore, `document.querySelector('.lh-exp-gauge__percentage')`),
		},
		DesktopTab: []audit.Locator{
			css(audit.ElementDesktopTab, `#desktop_tab`),
			xpath(audit.ElementDesktopTab, `//button[@role="tab"][.//span[normalize-space()="Desktop"]]`),
		},
		DesktopSelected: []audit.Locator{
			css(audit.ElementDesktopSelected, `#desktop_tab[aria-selected="true"]`),
			xpath(audit.ElementDesktopSelected,
				`//button[@role="tab"][@aria-selected="true"][.//span[normalize-space()="Desktop"]]`),
		},
		DesktopScore: []audit.Locator{
			css(audit.ElementDesktopScore, `#desktop .lh-exp-gauge__percentage`),
			css(audit.ElementDesktopScore, `[aria-labelledby="desktop_tab"] .lh-gauge__percentage`),
		},
	}
}

func css(name, q string) audit.Locator {
	return audit.Locator{Name: name, Query: q, By: audit.ByCSS}
}

func xpath(name, q string) audit.Locator {
	return audit.Locator{Name: name, Query: q, By: audit.ByXPath}
}

func js(name, q string) audit.Locator {
	return audit.Locator{Name: name, Query: q, By: audit.ByJS}
}
