package api

const dashboardTpl = `
<!DOCTYPE html>
<html>
<head>
    <title>CFDI bulk retrieval</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        table { border-collapse: collapse; width: 100%; margin-top: 20px; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; vertical-align: top; }
        th { background-color: #f2f2f2; }
        .queued, .running, .verifying { background-color: #fff3cd; }
        .success { background-color: #d4edda; }
        .error { background-color: #f8d7da; }
        .config { margin-bottom: 20px; padding: 10px; background-color: #e9ecef; border-radius: 5px; }

        /* Scheduler status */
        .scheduler-status {
            margin-bottom: 20px;
            padding: 10px;
            border-radius: 5px;
            border: 1px solid;
        }
        .scheduler-active {
            background-color: #d4edda;
            border-color: #c3e6cb;
            color: #155724;
        }
        .scheduler-stopped {
            background-color: #f8d7da;
            border-color: #f5c6cb;
            color: #721c24;
        }
        .counts { width: auto; min-width: 300px; }
        .detail { font-size: 0.8em; max-width: 320px; word-wrap: break-word; }
    </style>
</head>
<body>
    <h1>CFDI bulk retrieval</h1>
    <div class="config">
        <strong>Current Configuration:</strong><br>
        Fallback codes: {{range $i, $c := .FallbackCodes}}{{if $i}}, {{end}}{{$c}}{{else}}none{{end}}<br>
        Current Time: {{.CurrentTime}}
    </div>

    <div class="scheduler-status {{if .SchedulerActive}}scheduler-active{{else}}scheduler-stopped{{end}}">
        <strong>Scheduler Status:</strong> {{if .SchedulerActive}}Active (Dispatching Jobs){{else}}PAUSED (Queued jobs are held){{end}}
    </div>

    <table class="counts">
        <tr><th>State</th><th>Jobs</th></tr>
        {{range .Counts}}
        <tr><td>{{.State}}</td><td>{{.Count}}</td></tr>
        {{end}}
    </table>

    <h2>Jobs</h2>
    <table>
        <tr>
            <th>ID</th>
            <th>Company</th>
            <th>Direction</th>
            <th>Range</th>
            <th>State</th>
            <th>Found / Downloaded</th>
            <th>Kind</th>
            <th>Stages</th>
            <th>Detail</th>
        </tr>
        {{range .Jobs}}
        <tr class="{{.State}}">
            <td>{{.ID}}</td>
            <td>{{.OwnerRef}} / {{.CompanyRef}}</td>
            <td>{{.Direction}}</td>
            <td>{{.DateFrom.Format "2006-01-02"}} to {{.DateTo.Format "2006-01-02"}}</td>
            <td>{{.State}}{{if .Reason}} ({{.Reason}}){{end}}{{if .CancelRequested}} cancel requested{{end}}</td>
            <td>{{.TotalFound}} / {{.TotalDownloaded}}{{if .Duplicates}}, {{.Duplicates}} dup{{end}}{{if .Skipped}}, {{.Skipped}} skipped{{end}}</td>
            <td>{{if .FinalKind}}{{.FinalKind}}{{else}}-{{end}}{{if .FallbackFromFull}} (fallback){{end}}</td>
            <td>auth {{ms .AuthMs}}<br>request {{ms .RequestMs}}<br>verify {{ms .VerifyMs}}<br>download {{ms .DownloadMs}}</td>
            <td class="detail">{{.LastError}}{{range .Meta.Notes}}<br>{{.}}{{end}}</td>
        </tr>
        {{else}}
        <tr>
            <td colspan="9" style="text-align: center; font-style: italic;">No jobs yet</td>
        </tr>
        {{end}}
    </table>
</body>
</html>
`
