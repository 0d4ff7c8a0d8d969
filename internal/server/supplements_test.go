package server

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentsRoute(t *testing.T) {
	fetcher := &stubFetcher{values: map[string]string{
		testBaseURL + "frame?activeitem=%2Fhjem&appname=minside&footer=true&header=true": `<html><body><div id="header">H</div><div id="footer">F</div></body></html>`,
	}}
	app := newTestApp(t, fetcher)

	body, code := doGet(t, app, "/fragments/frame?appname=minside&activeitem=/hjem&names=header,footer")
	require.Equal(t, fiber.StatusOK, code, body)
	assert.JSONEq(t, `{"header":"H","footer":"F"}`, body)

	_, code = doGet(t, app, "/fragments/frame")
	assert.Equal(t, fiber.StatusBadRequest, code)

	_, code = doGet(t, app, "/fragments/other?names=header")
	assert.Equal(t, fiber.StatusBadGateway, code)
}

func TestHelptextsRoute(t *testing.T) {
	fetcher := &stubFetcher{values: map[string]string{
		testBaseURL + "help?key=about": `<htmlinnhold><title>Om</title><html><p>Tekst</p></html></htmlinnhold>`,
		testBaseURL + "help":           `<innholdsliste><htmlinnhold key="about" title="Om"/></innholdsliste>`,
	}}
	app := newTestApp(t, fetcher)

	body, code := doGet(t, app, "/helptexts/help?key=about")
	require.Equal(t, fiber.StatusOK, code, body)
	assert.JSONEq(t, `{"key":"about","title":"Om","html":"<p>Tekst</p>"}`, body)

	body, code = doGet(t, app, "/helptexts/help")
	require.Equal(t, fiber.StatusOK, code, body)
	assert.JSONEq(t, `[{"key":"about","title":"Om","html":""}]`, body)

	_, code = doGet(t, app, "/helptexts/help?key=missing")
	assert.Equal(t, fiber.StatusNotFound, code)
}

func TestMessagesRoute(t *testing.T) {
	fetcher := &stubFetcher{values: map[string]string{
		testBaseURL + "texts":                      `<properties><entry key="title">Hei</entry></properties>`,
		testBaseURL + "texts?locale=en&variant=": `<properties><entry key="title">Hello</entry></properties>`,
	}}
	app := newTestApp(t, fetcher)

	body, _ := doGet(t, app, "/messages/texts?key=title")
	assert.JSONEq(t, `{"key":"title","value":"Hei"}`, body)

	body, _ = doGet(t, app, "/messages/texts?key=title&locale=en")
	assert.JSONEq(t, `{"key":"title","value":"Hello"}`, body)

	body, _ = doGet(t, app, "/messages/texts?key=nope&debug=true")
	assert.JSONEq(t, `{"key":"nope","value":"<b>[nope]</b>"}`, body)

	_, code := doGet(t, app, "/messages/texts")
	assert.Equal(t, fiber.StatusBadRequest, code)
}

func doGet(t *testing.T, app *fiber.App, target string) (string, int) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body), resp.StatusCode
}
